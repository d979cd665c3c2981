package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgallion1/livedoc/internal/oplog"
	"github.com/dgallion1/livedoc/internal/ot"
	"github.com/dgallion1/livedoc/internal/richtext"
)

// docState is the lifecycle of a per-document coordinator.
type docState int

const (
	docCold docState = iota
	docLoading
	docActive
	docIdlePendingEvict
)

func (s docState) String() string {
	switch s {
	case docCold:
		return "cold"
	case docLoading:
		return "loading"
	case docActive:
		return "active"
	case docIdlePendingEvict:
		return "idle_pending_evict"
	}
	return "unknown"
}

// document is the authoritative in-memory coordinator for one document. Its
// mutex is the per-document serializer: sequence assignment, transform, and
// state mutation all happen inside it, so no distributed locking is needed.
// Distinct documents are fully independent.
type document struct {
	id  string
	hub *Hub

	mu       sync.Mutex
	state    docState
	engine   *richtext.Engine
	sessions map[string]*Session
	presence map[string]json.RawMessage

	// recent is a contiguous tail of committed operations (applied form,
	// merge offsets recorded), kept for rebasing late submissions and for
	// cheap catch-up. recent[0].Seq is the oldest retained.
	recent []*ot.Committed

	// applied maps client-assigned operation ids to their sequence number,
	// making network retries idempotent. Rebuilt from the log on load, so
	// the mapping survives coordinator restarts.
	applied map[string]uint64

	idleTimer    *time.Timer
	degraded     bool
	opsSinceSnap int
	lastSnapshot time.Time
	snapshotting bool
}

// load brings a cold document to active: latest snapshot, then log replay.
func (d *document) load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != docCold {
		return nil
	}
	d.state = docLoading

	engine := richtext.New()
	snap, err := d.hub.store.LatestSnapshot(ctx, d.id)
	if err != nil {
		d.state = docCold
		return fmt.Errorf("load document %s: %w", d.id, err)
	}
	if snap != nil {
		if err := json.Unmarshal(snap.State, engine); err != nil {
			d.state = docCold
			return fmt.Errorf("load document %s: decode snapshot: %w", d.id, err)
		}
	}

	for co, err := range d.hub.store.Read(ctx, d.id, engine.Version()+1) {
		if err != nil {
			d.state = docCold
			return fmt.Errorf("load document %s: replay: %w", d.id, err)
		}
		appliedOps, err := engine.Apply(co.Ops, co.Seq-1)
		if err != nil {
			d.state = docCold
			return fmt.Errorf("load document %s: replay seq %d: %w", d.id, co.Seq, err)
		}
		co.Ops = appliedOps
		d.recent = append(d.recent, co)
		d.applied[co.ID] = co.Seq
		d.pruneRecent()
	}

	d.engine = engine
	d.state = docActive
	d.lastSnapshot = time.Now()
	d.hub.log.Info("document loaded", "doc", d.id, "version", engine.Version())
	return nil
}

func (d *document) pruneRecent() {
	if keep := d.hub.cfg.RetainOps; len(d.recent) > keep {
		d.recent = d.recent[len(d.recent)-keep:]
	}
}

// submit runs the full commit path for one operation: validate, dedupe,
// rebase against everything committed after the client's base, apply,
// durably append, then fan out. Returns the committed form. mustBeEmpty
// restricts the commit to version-0 documents (imports).
func (d *document) submit(ctx context.Context, op *ot.Operation, exclude *Session, mustBeEmpty bool) (*ot.Committed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != docActive && d.state != docIdlePendingEvict {
		return nil, fmt.Errorf("document %s not loaded", d.id)
	}
	if d.degraded {
		return nil, fmt.Errorf("document %s degraded: %w", d.id, oplog.ErrStorageFault)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	// Idempotent retry: a duplicate of an already-committed operation
	// returns the original commit and changes nothing.
	if seq, ok := d.applied[op.ID]; ok {
		if co := d.committedAt(seq); co != nil {
			return co, nil
		}
		return d.readCommitted(ctx, seq)
	}

	current := d.engine.Version()
	if mustBeEmpty && current != 0 {
		return nil, fmt.Errorf("document %s: %w", d.id, ErrDocumentNotEmpty)
	}
	if op.Base > current {
		return nil, &ot.ValidationError{Reason: fmt.Sprintf("base version %d is ahead of document version %d", op.Base, current)}
	}

	ops := []ot.Op(op.Ops)
	if op.Base < current {
		chain := d.committedSince(op.Base)
		if chain == nil {
			return nil, fmt.Errorf("%w: base %d predates retained history", ErrStaleBaseVersion, op.Base)
		}
		ops = ot.Rebase(ops, chain)
	}

	appliedOps, err := d.engine.Apply(ops, current)
	if err != nil {
		return nil, err
	}

	co := &ot.Committed{
		Operation: ot.Operation{ID: op.ID, Client: op.Client, Base: op.Base, Ops: appliedOps},
		Time:      time.Now().UTC(),
	}
	if err := d.append(ctx, co); err != nil {
		// In-memory state is ahead of the log by one unacknowledged
		// operation. The document goes read-only and stops snapshotting;
		// recovery replays the log, which does not contain this op.
		d.degraded = true
		d.hub.log.Error("document degraded: durable append failed", "doc", d.id, "error", err)
		return nil, err
	}
	if co.Seq != current+1 {
		d.hub.log.Error("sequence desync", "doc", d.id, "seq", co.Seq, "version", current+1)
	}

	d.applied[op.ID] = co.Seq
	d.recent = append(d.recent, co)
	d.pruneRecent()
	d.hub.opsCommitted.Add(1)
	d.opsSinceSnap++
	d.maybeSnapshot()

	msg := Message{Type: "commit", Seq: co.Seq, Client: co.Client, OpID: co.ID, Ops: co.Ops}
	for _, sess := range d.sessions {
		if sess == exclude {
			continue
		}
		sess.deliver(msg, false)
	}
	return co, nil
}

// append writes the committed op durably, retrying transient storage faults
// with backoff before giving up.
func (d *document) append(ctx context.Context, co *ot.Committed) error {
	var err error
	for attempt := 0; attempt <= d.hub.cfg.AppendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", oplog.ErrStorageFault, ctx.Err())
			case <-time.After(Backoff(attempt - 1)):
			}
		}
		if _, err = d.hub.store.Append(ctx, d.id, co); err == nil {
			return nil
		}
		if !errors.Is(err, oplog.ErrStorageFault) {
			return err
		}
		d.hub.log.Warn("append retry", "doc", d.id, "attempt", attempt+1, "error", err)
	}
	return err
}

// committedAt returns the retained committed op with the given seq, if any.
func (d *document) committedAt(seq uint64) *ot.Committed {
	if len(d.recent) == 0 {
		return nil
	}
	first := d.recent[0].Seq
	if seq < first || seq > d.recent[len(d.recent)-1].Seq {
		return nil
	}
	return d.recent[seq-first]
}

// committedSince returns the retained ops with seq > base, or nil when the
// tail no longer reaches back that far.
func (d *document) committedSince(base uint64) []*ot.Committed {
	if base == d.engine.Version() {
		return []*ot.Committed{}
	}
	if len(d.recent) == 0 || d.recent[0].Seq > base+1 {
		return nil
	}
	return d.recent[base+1-d.recent[0].Seq:]
}

// readCommitted fetches a single committed op from the log when it has been
// pruned from the in-memory tail.
func (d *document) readCommitted(ctx context.Context, seq uint64) (*ot.Committed, error) {
	for co, err := range d.hub.store.Read(ctx, d.id, seq) {
		if err != nil {
			return nil, err
		}
		return co, nil
	}
	return nil, fmt.Errorf("committed op %d not found in log for %s", seq, d.id)
}

// maybeSnapshot schedules a snapshot when enough ops or time accumulated.
// The engine is cloned under the serializer; the write happens outside it,
// so snapshots never block submits. Called with d.mu held.
func (d *document) maybeSnapshot() {
	cfg := d.hub.cfg
	due := d.opsSinceSnap >= cfg.SnapshotEveryOps ||
		(d.opsSinceSnap > 0 && time.Since(d.lastSnapshot) >= cfg.SnapshotEvery)
	if !due || d.snapshotting || d.degraded {
		return
	}
	d.snapshotting = true
	d.opsSinceSnap = 0
	d.lastSnapshot = time.Now()
	if n := d.engine.Compact(d.minBase()); n > 0 {
		d.hub.log.Debug("compacted tombstones", "doc", d.id, "removed", n)
	}
	clone := d.engine.Clone()
	go func() {
		d.writeSnapshot(clone)
		d.mu.Lock()
		d.snapshotting = false
		d.mu.Unlock()
	}()
}

// writeSnapshot persists a consistent point-in-time state. Failure is
// non-fatal: the log remains authoritative and rebuild stays possible.
func (d *document) writeSnapshot(engine *richtext.Engine) {
	state, err := json.Marshal(engine)
	if err != nil {
		d.hub.log.Error("snapshot encode failed", "doc", d.id, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap := &oplog.Snapshot{Version: engine.Version(), State: state, CreatedAt: time.Now().UTC()}
	if err := d.hub.store.PutSnapshot(ctx, d.id, snap); err != nil {
		d.hub.log.Warn("snapshot write failed; log remains authoritative", "doc", d.id, "error", err)
		return
	}
	d.hub.snapshotsWritten.Add(1)
}

// flushSnapshot writes a final snapshot synchronously (eviction, shutdown).
// Called with d.mu held.
func (d *document) flushSnapshot() {
	if d.degraded || d.engine == nil {
		return
	}
	d.writeSnapshot(d.engine.Clone())
	d.opsSinceSnap = 0
	d.lastSnapshot = time.Now()
}

// minBase is the lowest base version any connected client could still
// submit against, used to bound tombstone reclamation.
func (d *document) minBase() uint64 {
	lo := d.engine.Version()
	if len(d.recent) > 0 {
		lo = min(lo, d.recent[0].Seq-1)
	}
	return lo
}
