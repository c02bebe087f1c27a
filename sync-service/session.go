package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
)

// sendBuffer is the per-session outbound queue depth. A session that stays
// this far behind gets disconnected instead of stalling the room.
const sendBuffer = 256

// session is one authenticated websocket connection. A user may hold several
// concurrently (desktop, phone).
type session struct {
	id       string
	userID   string
	username string

	conn *websocket.Conn // nil in tests
	send chan []byte
	done chan struct{}

	closed  atomic.Bool
	dropped atomic.Int64
}

func newSession(userID, username string, conn *websocket.Conn) *session {
	return &session{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue hands data to the write pump without blocking. It reports false
// when the session is closed or its buffer is full.
func (s *session) enqueue(data []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close makes the session unusable for further sends. Safe to call more than
// once; only the first call wins. The send channel is never closed: a racing
// enqueue that slips past the closed check must land in the buffer, not
// panic. The write pump exits via done instead.
func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
}

// registry tracks every live session, indexed by user. It drives presence
// connect/disconnect edges and owns the teardown ordering: a session leaves
// every room before its queue closes, so no broadcast can hit a dead queue.
type registry struct {
	mu     sync.Mutex
	byUser map[string]map[string]*session

	router   *router
	presence *presenceTracker
	typing   *typingCoordinator

	sessionsUp metric.Int64UpDownCounter
}

func newRegistry(rt *router) *registry {
	return &registry{
		byUser: make(map[string]map[string]*session),
		router: rt,
	}
}

func (r *registry) register(s *session) {
	r.mu.Lock()
	sessions := r.byUser[s.userID]
	if sessions == nil {
		sessions = make(map[string]*session)
		r.byUser[s.userID] = sessions
	}
	sessions[s.id] = s
	first := len(sessions) == 1
	r.mu.Unlock()

	if r.sessionsUp != nil {
		r.sessionsUp.Add(context.Background(), 1)
	}
	if first && r.presence != nil {
		r.presence.connected(s.userID)
	}
	slog.Info("session registered", "session", s.id, "user", s.userID)
}

// deregister removes s from the registry and all rooms, then closes it. The
// last session of a user starts the presence grace window and clears any
// typing state the user left behind.
func (r *registry) deregister(s *session) {
	r.mu.Lock()
	sessions := r.byUser[s.userID]
	if _, ok := sessions[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(sessions, s.id)
	last := len(sessions) == 0
	if last {
		delete(r.byUser, s.userID)
	}
	r.mu.Unlock()

	r.router.dropSession(s)
	s.close()

	if r.sessionsUp != nil {
		r.sessionsUp.Add(context.Background(), -1)
	}
	if last {
		if r.typing != nil {
			r.typing.stopAllFor(s.userID)
		}
		if r.presence != nil {
			r.presence.disconnected(s.userID)
		}
	}
	slog.Info("session deregistered", "session", s.id, "user", s.userID, "dropped_events", s.dropped.Load())
}

// connCount reports how many live sessions a user has.
func (r *registry) connCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// sessionsOf snapshots a user's live sessions.
func (r *registry) sessionsOf(userID string) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}
