package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/livedoc/internal/authz"
	"github.com/dgallion1/livedoc/internal/oplog"
	"github.com/dgallion1/livedoc/internal/ot"
	"github.com/dgallion1/livedoc/internal/richtext"
)

// ErrStaleBaseVersion means a submission's base predates the retained
// history, so the server can no longer rebase it. The client must resync
// to the current version and resubmit.
var ErrStaleBaseVersion = errors.New("stale base version")

// ErrNotConnected means the session id is unknown to the hub.
var ErrNotConnected = errors.New("session not connected")

// ErrDocumentNotEmpty is returned by SubmitInitial when the document already
// has committed operations.
var ErrDocumentNotEmpty = errors.New("document is not empty")

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(50<<uint(attempt)) * time.Millisecond
	if base > 2*time.Second {
		base = 2 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

// Config tunes the hub. Zero values are filled in by New.
type Config struct {
	SnapshotEveryOps int
	SnapshotEvery    time.Duration
	IdleEvictAfter   time.Duration
	SendBuffer       int
	AppendRetries    int
	RetainOps        int
}

func (c *Config) withDefaults() {
	if c.SnapshotEveryOps <= 0 {
		c.SnapshotEveryOps = 200
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 60 * time.Second
	}
	if c.IdleEvictAfter <= 0 {
		c.IdleEvictAfter = 5 * time.Minute
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.AppendRetries <= 0 {
		c.AppendRetries = 3
	}
	if c.RetainOps <= 0 {
		c.RetainOps = 1000
	}
}

// Hub owns the per-document coordinators and the session registry. All
// cross-document state lives here; everything per-document lives in the
// coordinator behind its own mutex.
type Hub struct {
	cfg    Config
	store  *oplog.Store
	access authz.AccessChecker
	log    *slog.Logger

	mu       sync.Mutex
	docs     map[string]*document
	sessions map[string]*Session
	closed   bool

	opsCommitted     atomic.Uint64
	snapshotsWritten atomic.Uint64
}

// New creates a hub. access may be nil, in which case every connect is
// allowed edit rights (single-tenant / test deployments).
func New(store *oplog.Store, access authz.AccessChecker, cfg Config, log *slog.Logger) *Hub {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		store:    store,
		access:   access,
		log:      log,
		docs:     make(map[string]*document),
		sessions: make(map[string]*Session),
	}
}

func (h *Hub) newDocument(id string) *document {
	return &document{
		id:       id,
		hub:      h,
		state:    docCold,
		sessions: make(map[string]*Session),
		presence: make(map[string]json.RawMessage),
		applied:  make(map[string]uint64),
	}
}

// doc returns the coordinator for id, loading it from storage on first use.
func (h *Hub) doc(ctx context.Context, id string) (*document, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("hub is shut down")
	}
	d, ok := h.docs[id]
	if !ok {
		d = h.newDocument(id)
		h.docs[id] = d
	}
	h.mu.Unlock()

	if err := d.load(ctx); err != nil {
		return nil, err
	}

	// A document activated by a sessionless path (import, direct submit)
	// still needs an eviction deadline.
	d.mu.Lock()
	if len(d.sessions) == 0 && d.state == docActive && d.idleTimer == nil {
		d.state = docIdlePendingEvict
		d.idleTimer = time.AfterFunc(h.cfg.IdleEvictAfter, func() { h.evict(d) })
	}
	d.mu.Unlock()
	return d, nil
}

// readEngine returns a consistent copy of the document state for read-only
// callers. A loaded document serves from memory; a cold one is rebuilt
// transiently from storage without activating a coordinator.
func (h *Hub) readEngine(ctx context.Context, docID string) (*richtext.Engine, error) {
	h.mu.Lock()
	d, ok := h.docs[docID]
	h.mu.Unlock()
	if ok {
		d.mu.Lock()
		if d.state == docActive || d.state == docIdlePendingEvict {
			engine := d.engine.Clone()
			d.mu.Unlock()
			return engine, nil
		}
		d.mu.Unlock()
	}

	engine := richtext.New()
	snap, err := h.store.LatestSnapshot(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", docID, err)
	}
	if snap != nil {
		if err := json.Unmarshal(snap.State, engine); err != nil {
			return nil, fmt.Errorf("read document %s: decode snapshot: %w", docID, err)
		}
	}
	for co, err := range h.store.Read(ctx, docID, engine.Version()+1) {
		if err != nil {
			return nil, fmt.Errorf("read document %s: replay: %w", docID, err)
		}
		if _, err := engine.Apply(co.Ops, co.Seq-1); err != nil {
			return nil, fmt.Errorf("read document %s: replay seq %d: %w", docID, co.Seq, err)
		}
	}
	return engine, nil
}

// Connect checks access, activates the document, registers a session, and
// queues the initial snapshot frame carrying the full current state.
func (h *Hub) Connect(ctx context.Context, docID, clientID string, who authz.Identity) (*Session, error) {
	if h.access != nil {
		role, err := h.access.GetAccess(ctx, docID, who.UserID)
		if err != nil {
			return nil, fmt.Errorf("access check for %s: %w", docID, err)
		}
		if !role.CanEdit() {
			return nil, fmt.Errorf("%w: user %s has role %q on %s", authz.ErrAccessDenied, who.UserID, role, docID)
		}
	}

	d, err := h.doc(ctx, docID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:       uuid.NewString(),
		ClientID: clientID,
		UserID:   who.UserID,
		doc:      d,
		send:     make(chan Message, h.cfg.SendBuffer),
		closed:   make(chan struct{}),
	}

	d.mu.Lock()
	if d.state == docIdlePendingEvict {
		d.state = docActive
		if d.idleTimer != nil {
			d.idleTimer.Stop()
			d.idleTimer = nil
		}
	}
	d.sessions[sess.ID] = sess
	snap := Message{
		Type:     "snapshot",
		Session:  sess.ID,
		Version:  d.engine.Version(),
		Document: d.engine.Materialize(),
		Presence: clonePresence(d.presence),
	}
	sess.deliver(snap, false)
	d.mu.Unlock()

	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()

	h.log.Info("session connected", "doc", docID, "session", sess.ID, "user", who.UserID)
	return sess, nil
}

// Disconnect removes a session; the last one out arms the idle eviction
// timer. It is safe to call for already-removed sessions.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	d := sess.doc
	d.mu.Lock()
	delete(d.sessions, sessionID)
	if _, ok := d.presence[sess.ClientID]; ok {
		delete(d.presence, sess.ClientID)
		d.broadcastPresenceLocked(sess.ClientID, nil, nil)
	}
	if len(d.sessions) == 0 && d.state == docActive {
		d.state = docIdlePendingEvict
		d.idleTimer = time.AfterFunc(h.cfg.IdleEvictAfter, func() { h.evict(d) })
	}
	// Close under the document mutex so no broadcast can race the channel
	// close.
	sess.close()
	d.mu.Unlock()

	h.log.Info("session disconnected", "doc", d.id, "session", sessionID)
}

// evict flushes a final snapshot and releases an idle document. A connect
// racing the timer wins: eviction aborts if anyone is registered.
func (h *Hub) evict(d *document) {
	d.mu.Lock()
	if d.state != docIdlePendingEvict || len(d.sessions) > 0 {
		d.mu.Unlock()
		return
	}
	d.flushSnapshot()
	d.mu.Unlock()

	h.mu.Lock()
	if cur, ok := h.docs[d.id]; ok && cur == d {
		d.mu.Lock()
		if d.state == docIdlePendingEvict && len(d.sessions) == 0 {
			delete(h.docs, d.id)
			d.state = docCold
			d.idleTimer = nil
			h.log.Info("document evicted", "doc", d.id, "version", d.engine.Version())
		}
		d.mu.Unlock()
	}
	h.mu.Unlock()
}

// Submit commits an operation on behalf of a connected session. The commit
// is broadcast to every other session; the submitter takes the returned
// committed form as its acknowledgement.
func (h *Hub) Submit(ctx context.Context, sessionID string, op *ot.Operation) (*ot.Committed, error) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrNotConnected
	}
	if op.Client == "" {
		op.Client = sess.ClientID
	}
	return sess.doc.submit(ctx, op, sess, false)
}

// SubmitDirect commits an operation without a session, broadcasting to all
// connected sessions. Server-side edits use this path.
func (h *Hub) SubmitDirect(ctx context.Context, docID string, op *ot.Operation) (*ot.Committed, error) {
	d, err := h.doc(ctx, docID)
	if err != nil {
		return nil, err
	}
	return d.submit(ctx, op, nil, false)
}

// SubmitInitial commits an operation only if the document has no committed
// operations yet, failing with ErrDocumentNotEmpty otherwise. The check runs
// under the document mutex, so two racing imports cannot both pass it.
func (h *Hub) SubmitInitial(ctx context.Context, docID string, op *ot.Operation) (*ot.Committed, error) {
	d, err := h.doc(ctx, docID)
	if err != nil {
		return nil, err
	}
	return d.submit(ctx, op, nil, true)
}

// Publish replaces a client's presence record and fans it out best-effort.
// Presence is ephemeral: it is never logged, never snapshotted, and frames
// are dropped before document frames under backpressure.
func (h *Hub) Publish(sessionID string, data json.RawMessage) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	d := sess.doc
	d.mu.Lock()
	if data == nil {
		delete(d.presence, sess.ClientID)
	} else {
		d.presence[sess.ClientID] = data
	}
	d.broadcastPresenceLocked(sess.ClientID, data, sess)
	d.mu.Unlock()
	return nil
}

// broadcastPresenceLocked fans a single client's presence update out to
// every other session. Called with d.mu held.
func (d *document) broadcastPresenceLocked(clientID string, data json.RawMessage, exclude *Session) {
	msg := Message{Type: "presence", Client: clientID, Data: data}
	for _, sess := range d.sessions {
		if sess == exclude {
			continue
		}
		sess.deliver(msg, true)
	}
}

// Deliver queues a frame for one session, subject to the same ordering and
// backpressure rules as broadcast frames. Transports use it for per-session
// replies (acks, errors, resync snapshots).
func (h *Hub) Deliver(sessionID string, msg Message) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	d := sess.doc
	d.mu.Lock()
	sess.deliver(msg, false)
	d.mu.Unlock()
}

// Resync re-delivers state to a session that detected a gap or received
// ErrStaleBaseVersion. When fromSeq falls inside the retained tail the
// missed commit frames are replayed in order; otherwise a full snapshot
// frame is queued instead.
func (h *Hub) Resync(ctx context.Context, sessionID string, fromSeq uint64) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	d := sess.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	if fromSeq > 0 {
		if tail := d.committedSince(fromSeq - 1); tail != nil {
			for _, co := range tail {
				sess.deliver(Message{Type: "commit", Seq: co.Seq, Client: co.Client, OpID: co.ID, Ops: co.Ops}, false)
			}
			return nil
		}
	}
	sess.deliver(Message{
		Type:     "snapshot",
		Session:  sess.ID,
		Version:  d.engine.Version(),
		Document: d.engine.Materialize(),
		Presence: clonePresence(d.presence),
	}, false)
	return nil
}

// Materialize returns the current document projection. Cold documents are
// read straight from storage without being activated.
func (h *Hub) Materialize(ctx context.Context, docID string) (*richtext.Document, error) {
	engine, err := h.readEngine(ctx, docID)
	if err != nil {
		return nil, err
	}
	return engine.Materialize(), nil
}

// PlainText renders the document as plain text.
func (h *Hub) PlainText(ctx context.Context, docID string) (string, uint64, error) {
	engine, err := h.readEngine(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	return engine.PlainText(), engine.Version(), nil
}

// HTML renders the document as an HTML fragment.
func (h *Hub) HTML(ctx context.Context, docID string) (string, uint64, error) {
	engine, err := h.readEngine(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	return engine.HTML(), engine.Version(), nil
}

// History streams committed operations from the log starting at fromSeq.
// The iterator reads the log directly, so it covers ops pruned from the
// in-memory tail.
func (h *Hub) History(ctx context.Context, docID string, fromSeq uint64, limit int) ([]*ot.Committed, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	var out []*ot.Committed
	for co, err := range h.store.Read(ctx, docID, fromSeq) {
		if err != nil {
			return nil, err
		}
		out = append(out, co)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats is a point-in-time summary of hub activity.
type Stats struct {
	Documents        int    `json:"documents"`
	Sessions         int    `json:"sessions"`
	OpsCommitted     uint64 `json:"ops_committed"`
	SnapshotsWritten uint64 `json:"snapshots_written"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Documents:        len(h.docs),
		Sessions:         len(h.sessions),
		OpsCommitted:     h.opsCommitted.Load(),
		SnapshotsWritten: h.snapshotsWritten.Load(),
	}
}

// Shutdown closes every session and flushes a final snapshot for each
// loaded document. The op log is already durable; the snapshots just make
// the next startup cheap.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	docs := make([]*document, 0, len(h.docs))
	for _, d := range h.docs {
		docs = append(docs, d)
	}
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.docs = make(map[string]*document)
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, d := range docs {
		d.mu.Lock()
		if d.idleTimer != nil {
			d.idleTimer.Stop()
		}
		if d.state == docActive || d.state == docIdlePendingEvict {
			d.flushSnapshot()
		}
		d.mu.Unlock()
	}
	for _, s := range sessions {
		s.doc.mu.Lock()
		s.close()
		s.doc.mu.Unlock()
	}
	h.log.Info("hub shut down", "documents", len(docs), "sessions", len(sessions))
}

func clonePresence(p map[string]json.RawMessage) map[string]json.RawMessage {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
