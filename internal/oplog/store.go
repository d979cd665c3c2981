// Package oplog is the durability substrate: an append-only, per-document
// ordered log of committed operations plus periodic snapshots, stored in an
// embedded BadgerDB instance. The log's total order is the single source of
// truth for document state; snapshots only bound replay cost.
package oplog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"iter"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/dgallion1/livedoc/internal/ot"
)

var (
	// ErrStorageFault wraps a failed durable write. The caller retries or
	// marks the document degraded; an operation is never silently dropped.
	ErrStorageFault = errors.New("operation log write failed")

	// ErrCorrupted is returned when a log entry fails its CRC check.
	ErrCorrupted = errors.New("log entry corrupted (crc mismatch)")

	// ErrSequenceGap is returned when a read encounters a missing sequence
	// number. It is never skipped over: the reader must resync.
	ErrSequenceGap = errors.New("sequence gap in operation log")
)

// Config holds store settings.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string
	// InMemory runs without disk persistence (tests).
	InMemory bool
	// SyncWrites fsyncs every append. Required for durability; tests may
	// disable it.
	SyncWrites bool
	Logger     *slog.Logger
}

// Store is a process-wide operation log and snapshot store. Sequence
// numbers are assigned per document; the per-document session coordinator
// serializes appends for its document, and the store's own counter guards
// against gaps regardless.
type Store struct {
	db  *badger.DB
	log *slog.Logger

	mu      sync.Mutex
	lastSeq map[string]uint64
}

// Open opens (or creates) the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open oplog: %w", err)
	}
	return &Store{db: db, log: cfg.Logger, lastSeq: make(map[string]uint64)}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Document ids are opaque strings, so they are escaped before entering keys:
// an id containing ':' must not collide into another document's prefix.
func opPrefix(docID string) []byte {
	return fmt.Appendf(nil, "op:%s:", url.QueryEscape(docID))
}

func opKey(docID string, seq uint64) []byte {
	return fmt.Appendf(nil, "op:%s:%020d", url.QueryEscape(docID), seq)
}

func snapKey(docID string) []byte {
	return fmt.Appendf(nil, "snap:%s", url.QueryEscape(docID))
}

// encodeEntry prepends a CRC32 checksum to the JSON payload:
// [4-byte CRC][json].
func encodeEntry(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out, nil
}

func decodeEntry(data []byte, v any) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); computed != stored {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	return json.Unmarshal(payload, v)
}

// nextSeq returns the sequence number the next append for docID will get,
// initializing the counter from the highest key on first use.
func (s *Store) nextSeq(docID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSeq[docID]
	if !ok {
		scanned, err := s.scanLastSeq(docID)
		if err != nil {
			return 0, err
		}
		last = scanned
		s.lastSeq[docID] = last
	}
	return last + 1, nil
}

func (s *Store) scanLastSeq(docID string) (uint64, error) {
	prefix := opPrefix(docID)
	var maxSeq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the highest possible key with this prefix.
		seek := append(append([]byte(nil), prefix...), 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%020d", &seq); err == nil {
				maxSeq = seq
			}
		}
		return nil
	})
	return maxSeq, err
}

// Append assigns the next per-document sequence number to co, writes it
// durably, and returns the sequence number. The returned sequence numbers
// for a document have no gaps and no duplicates. A failed write returns
// ErrStorageFault and does not consume a sequence number.
func (s *Store) Append(ctx context.Context, docID string, co *ot.Committed) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	seq, err := s.nextSeq(docID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFault, err)
	}
	co.Seq = seq
	data, err := encodeEntry(co)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(opKey(docID, seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFault, err)
	}
	s.mu.Lock()
	s.lastSeq[docID] = seq
	s.mu.Unlock()
	s.log.Debug("op appended", "doc", docID, "seq", seq, "client", co.Client, "ops", len(co.Ops))
	return seq, nil
}

// Read returns a lazy, restartable sequence of committed operations for the
// document, starting at fromSeq, in sequence order. The log is streamed,
// never materialized whole. A detected gap yields ErrSequenceGap and stops;
// a corrupt entry yields ErrCorrupted and stops.
func (s *Store) Read(ctx context.Context, docID string, fromSeq uint64) iter.Seq2[*ot.Committed, error] {
	return func(yield func(*ot.Committed, error) bool) {
		prefix := opPrefix(docID)
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			expect := fromSeq
			if expect == 0 {
				expect = 1
			}
			for it.Seek(opKey(docID, expect)); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return nil
				}
				var co ot.Committed
				err := it.Item().Value(func(val []byte) error {
					return decodeEntry(val, &co)
				})
				if err != nil {
					yield(nil, err)
					return nil
				}
				if co.Seq != expect {
					yield(nil, fmt.Errorf("%w: have %d, want %d", ErrSequenceGap, co.Seq, expect))
					return nil
				}
				expect++
				if !yield(&co, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, fmt.Errorf("read oplog: %w", err))
		}
	}
}

// Snapshot is a durable (version, materialized-state) pair. Replaying the
// log from Version against State reproduces the state at any later version.
type Snapshot struct {
	Version   uint64          `json:"version"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// PutSnapshot stores the latest snapshot for a document, replacing any
// previous one. Snapshot failures are non-fatal to callers: the log remains
// authoritative.
func (s *Store) PutSnapshot(ctx context.Context, docID string, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEntry(snap)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(docID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFault, err)
	}
	s.log.Debug("snapshot written", "doc", docID, "version", snap.Version, "bytes", len(data))
	return nil
}

// LatestSnapshot returns the most recent snapshot for a document, or nil if
// none exists.
func (s *Store) LatestSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap *Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapKey(docID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		snap = &Snapshot{}
		return item.Value(func(val []byte) error {
			return decodeEntry(val, snap)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// LastSeq reports the highest committed sequence number for a document.
func (s *Store) LastSeq(docID string) (uint64, error) {
	s.mu.Lock()
	if last, ok := s.lastSeq[docID]; ok {
		s.mu.Unlock()
		return last, nil
	}
	s.mu.Unlock()
	last, err := s.scanLastSeq(docID)
	if err != nil {
		return 0, err
	}
	return last, nil
}
