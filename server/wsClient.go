package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftworks/fleethub/auth"
	"github.com/driftworks/fleethub/proto"
)

const (
	outboundQueueSize = 64
	writeWait         = 10 * time.Second
)

var (
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("session outbound queue full")
)

// WSSession is one authenticated WebSocket connection and the persistent
// subscriptions it owns. A subscribe action yields one handle, which may
// cover several registry subscriptions (one per requested device).
//
// All writes go through a bounded outbound queue drained by a single writer
// goroutine, so replies and pushes stay ordered and a dead peer never blocks
// the goroutine that produced the message.
type WSSession struct {
	ID       string
	Identity auth.Identity

	conn *websocket.Conn
	out  chan proto.Envelope
	stop chan struct{}
	once sync.Once

	mu      sync.Mutex
	handles map[string][]string // handle id -> registry subscription ids
}

func NewWSSession(conn *websocket.Conn, identity auth.Identity) *WSSession {
	return &WSSession{
		ID:       generateSessionID("ws"),
		Identity: identity,
		conn:     conn,
		out:      make(chan proto.Envelope, outboundQueueSize),
		stop:     make(chan struct{}),
		handles:  make(map[string][]string),
	}
}

// writeLoop is the connection's only writer. It runs until the session
// closes or a write fails.
func (s *WSSession) writeLoop() {
	for {
		select {
		case env := <-s.out:
			data, err := json.Marshal(env)
			if err != nil {
				slog.Error("Failed to encode envelope", "sessionId", s.ID, "error", err.Error())
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("Write failed, closing session", "sessionId", s.ID, "error", err.Error())
				s.close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

// send queues an envelope for the writer goroutine. A session whose queue is
// full cannot keep up with its subscriptions and is closed rather than
// allowed to back deliveries up.
func (s *WSSession) send(env proto.Envelope) error {
	select {
	case <-s.stop:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- env:
		return nil
	default:
		slog.Warn("Outbound queue full, closing session", "sessionId", s.ID)
		s.close()
		return errQueueFull
	}
}

// close is idempotent; closing the conn unblocks the read loop, which then
// tears down the session's subscriptions.
func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
}

// push delivers a dispatched message to the session. It is the deliver
// callback of every subscription this session registers, so it may be
// invoked from many dispatch goroutines at once.
func (s *WSSession) push(msg proto.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode push message", "sessionId", s.ID, "error", err.Error())
		return
	}
	if err := s.send(proto.Envelope{Action: pushAction(msg.Kind), Payload: payload}); err != nil {
		slog.Warn("Failed to push message to session", "sessionId", s.ID, "error", err.Error())
	}
}

func (s *WSSession) addHandle(handle string, subIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle] = subIDs
}

// removeHandle returns the registry subscription ids behind the handle.
// Unknown handles yield nil, making unsubscribe idempotent.
func (s *WSSession) removeHandle(handle string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	subIDs := s.handles[handle]
	delete(s.handles, handle)
	return subIDs
}

// drainHandles empties the session, returning every owned subscription id.
func (s *WSSession) drainHandles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []string
	for _, subIDs := range s.handles {
		all = append(all, subIDs...)
	}
	s.handles = make(map[string][]string)
	return all
}

func pushAction(kind proto.Kind) string {
	switch kind {
	case proto.KindCommand:
		return proto.ActionCommandInsert
	case proto.KindCommandUpdate:
		return proto.ActionCommandUpdate
	default:
		return proto.ActionNotificationInsert
	}
}
