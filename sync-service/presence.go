package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-sync/pkg/wire"
)

// defaultPresenceGrace is how long a user stays visible after their last
// session drops, so a flapping connection does not spam offline/online pairs.
const defaultPresenceGrace = 10 * time.Second

// presenceEntry is one user's connection-derived presence state.
type presenceEntry struct {
	conns     int
	explicit  string // user-chosen status, defaults to online
	announced string // last status broadcast to followers
	offline   *time.Timer
}

// presenceTracker derives each user's effective status from live connection
// count and explicit preference, and announces only logical transitions.
type presenceTracker struct {
	mu    sync.Mutex
	users map[string]*presenceEntry
	grace time.Duration

	// announce pushes one transition to the user's follower rooms and the
	// collaborator pipeline.
	announce func(userID, status string)

	transitions metric.Int64Counter
}

func newPresenceTracker(grace time.Duration, announce func(userID, status string)) *presenceTracker {
	if grace <= 0 {
		grace = defaultPresenceGrace
	}
	return &presenceTracker{
		users:    make(map[string]*presenceEntry),
		grace:    grace,
		announce: announce,
	}
}

// connected records a new first-session edge for userID. Reconnects inside
// the grace window cancel the pending offline announcement.
func (p *presenceTracker) connected(userID string) {
	p.mu.Lock()
	e := p.users[userID]
	if e == nil {
		e = &presenceEntry{explicit: wire.StatusOnline, announced: wire.StatusOffline}
		p.users[userID] = e
	}
	if e.offline != nil {
		e.offline.Stop()
		e.offline = nil
	}
	e.conns++
	status, changed := p.transitionLocked(e)
	p.mu.Unlock()

	if changed {
		p.emit(userID, status)
	}
}

// disconnected records a session drop. When the last session goes, the
// offline announcement is deferred by the grace window.
func (p *presenceTracker) disconnected(userID string) {
	p.mu.Lock()
	e := p.users[userID]
	if e == nil {
		p.mu.Unlock()
		return
	}
	e.conns--
	if e.conns > 0 {
		p.mu.Unlock()
		return
	}
	if e.offline != nil {
		e.offline.Stop()
	}
	e.offline = time.AfterFunc(p.grace, func() { p.expire(userID) })
	p.mu.Unlock()
}

// expire fires at the end of the grace window.
func (p *presenceTracker) expire(userID string) {
	p.mu.Lock()
	e := p.users[userID]
	if e == nil || e.conns > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.users, userID)
	changed := e.announced != wire.StatusOffline
	p.mu.Unlock()

	if changed {
		p.emit(userID, wire.StatusOffline)
	}
}

// setStatus applies a user-chosen status. Setting the status a user already
// has is a silent no-op. Explicit status does not survive going offline.
func (p *presenceTracker) setStatus(userID, status string) error {
	if !wire.ValidStatus(status) {
		return validationErr("unknown presence status %q", status)
	}
	p.mu.Lock()
	e := p.users[userID]
	if e == nil {
		p.mu.Unlock()
		return nil
	}
	e.explicit = status
	effective, changed := p.transitionLocked(e)
	p.mu.Unlock()

	if changed {
		p.emit(userID, effective)
	}
	return nil
}

// status reports userID's effective status.
func (p *presenceTracker) status(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.users[userID]
	if e == nil || e.conns == 0 {
		return wire.StatusOffline
	}
	return e.explicit
}

// transitionLocked computes the effective status and records it as announced
// when it differs from the last announcement.
func (p *presenceTracker) transitionLocked(e *presenceEntry) (string, bool) {
	effective := e.explicit
	if e.conns == 0 {
		effective = wire.StatusOffline
	}
	if effective == e.announced {
		return effective, false
	}
	e.announced = effective
	return effective, true
}

func (p *presenceTracker) emit(userID, status string) {
	slog.Debug("presence transition", "user", userID, "status", status)
	if p.transitions != nil {
		p.transitions.Add(context.Background(), 1)
	}
	if p.announce != nil {
		p.announce(userID, status)
	}
}
