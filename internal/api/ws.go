package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dgallion1/livedoc/internal/authz"
	"github.com/dgallion1/livedoc/internal/hub"
	"github.com/dgallion1/livedoc/internal/ot"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is a client-to-server websocket message.
type clientFrame struct {
	// "submit", "presence" or "resync".
	Type string `json:"type"`

	// submit payload.
	Op *ot.Operation `json:"op,omitempty"`

	// presence payload; null clears this client's record.
	Data json.RawMessage `json:"data,omitempty"`

	// resync payload: first sequence number the client is missing. Zero
	// asks for a full snapshot.
	FromSeq uint64 `json:"from_seq,omitempty"`
}

// handleWS authenticates the caller, upgrades the connection, and bridges
// it to a hub session: one goroutine writes ordered frames out, the request
// goroutine reads client frames in.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	token := r.URL.Query().Get("token")
	clientID := r.URL.Query().Get("client_id")

	if token == "" || clientID == "" {
		jsonError(w, "token and client_id query parameters are required", http.StatusBadRequest)
		return
	}

	who, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, authz.ErrInvalidToken) {
			jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		jsonError(w, "auth service unavailable", http.StatusBadGateway)
		return
	}

	sess, err := s.hub.Connect(r.Context(), docID, clientID, who)
	if err != nil {
		if errors.Is(err, authz.ErrAccessDenied) {
			jsonError(w, "access denied", http.StatusForbidden)
			return
		}
		jsonError(w, "failed to open document: "+err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Disconnect(sess.ID)
		return
	}

	go s.writeLoop(conn, sess)
	s.readLoop(r.Context(), conn, sess)
}

// writeLoop pumps hub frames to the socket. It owns all writes on the
// connection; the hub closes the channel when the session ends.
func (s *Server) writeLoop(conn *websocket.Conn, sess *hub.Session) {
	defer conn.Close()
	for msg := range sess.Recv() {
		if err := conn.WriteJSON(msg); err != nil {
			s.hub.Disconnect(sess.ID)
			return
		}
	}
	// Session closed by the hub (eviction, shutdown, or backpressure).
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
		time.Now().Add(time.Second))
}

// readLoop parses client frames until the connection drops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *hub.Session) {
	defer s.hub.Disconnect(sess.ID)

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "submit":
			if frame.Op == nil {
				s.sendError(sess, "", "validation_error", "submit frame missing op")
				continue
			}
			committed, err := s.hub.Submit(ctx, sess.ID, frame.Op)
			if err != nil {
				code, _ := errorCode(err)
				s.sendError(sess, frame.Op.ID, code, err.Error())
				continue
			}
			ack := hub.Message{Type: "ack", Seq: committed.Seq, OpID: committed.ID, Version: committed.Seq}
			s.hub.Deliver(sess.ID, ack)
		case "presence":
			if err := s.hub.Publish(sess.ID, frame.Data); err != nil {
				return
			}
		case "resync":
			if err := s.hub.Resync(ctx, sess.ID, frame.FromSeq); err != nil {
				return
			}
		default:
			s.sendError(sess, "", "validation_error", "unknown frame type "+frame.Type)
		}
	}
}

func (s *Server) sendError(sess *hub.Session, opID, code, msg string) {
	s.hub.Deliver(sess.ID, hub.Message{Type: "error", OpID: opID, Code: code, Error: msg})
}
