package hub

import (
	"encoding/json"
	"sync"

	"github.com/dgallion1/livedoc/internal/ot"
	"github.com/dgallion1/livedoc/internal/richtext"
)

// Message is a server-to-client frame. Type discriminates which optional
// fields are set.
type Message struct {
	// "snapshot", "commit", "ack", "presence" or "error". Acks are sent to
	// the submitter instead of its own commit frame, carrying the assigned
	// sequence number.
	Type string `json:"type"`

	// snapshot fields, sent once after connect or resync-from-scratch.
	Session  string             `json:"session,omitempty"`
	Version  uint64             `json:"version,omitempty"`
	Document *richtext.Document `json:"document,omitempty"`
	Presence map[string]json.RawMessage `json:"presence,omitempty"`

	// commit fields. Receivers apply strictly in Seq order; a gap means the
	// receiver must resync.
	Seq    uint64    `json:"seq,omitempty"`
	Client string    `json:"client,omitempty"`
	OpID   string    `json:"op_id,omitempty"`
	Ops    ot.OpList `json:"ops,omitempty"`

	// presence payload (last-value-wins per client; null clears).
	Data json.RawMessage `json:"data,omitempty"`

	// error fields.
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Session is one live client connection bound to one document. The send
// channel carries ordered frames for the transport to deliver; when a
// receiver cannot keep up with committed operations the session is closed
// rather than ever skipping one.
type Session struct {
	ID       string
	ClientID string
	UserID   string

	doc  *document
	send chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// Recv returns the channel of ordered outbound frames. It is closed when
// the session ends.
func (s *Session) Recv() <-chan Message {
	return s.send
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.send)
	})
}

// deliver queues a frame without ever blocking the coordinator. Commit
// frames must not be skipped, so a full buffer closes the session (the
// client reconnects and resyncs); presence frames are simply dropped, the
// next publish heals them.
func (s *Session) deliver(msg Message, droppable bool) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		if !droppable {
			s.close()
		}
		return false
	}
}
