package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-sync/pkg/wire"
)

// roomState is the subscriber set of one room. Its mutex serializes
// broadcasts, so every subscriber's queue sees the room's events in the same
// order they were issued.
type roomState struct {
	mu   sync.Mutex
	subs map[*session]struct{}
}

// router maps room keys to subscriber sets and fans events out to them. It
// keeps a reverse index so a dying session can leave all its rooms in one
// call.
type router struct {
	mu        sync.RWMutex
	rooms     map[string]*roomState
	bySession map[*session]map[string]struct{}

	// onSlow is invoked (in its own goroutine) for sessions whose queue was
	// full during a broadcast. Wiring points it at registry.deregister.
	onSlow func(*session)

	broadcasts metric.Int64Counter
	slowKicks  metric.Int64Counter
}

func newRouter() *router {
	return &router{
		rooms:     make(map[string]*roomState),
		bySession: make(map[*session]map[string]struct{}),
	}
}

// subscribe adds s to room. Idempotent.
func (rt *router) subscribe(s *session, room string) {
	rt.mu.Lock()
	st := rt.rooms[room]
	if st == nil {
		st = &roomState{subs: make(map[*session]struct{})}
		rt.rooms[room] = st
	}
	set := rt.bySession[s]
	if set == nil {
		set = make(map[string]struct{})
		rt.bySession[s] = set
	}
	set[room] = struct{}{}
	rt.mu.Unlock()

	st.mu.Lock()
	st.subs[s] = struct{}{}
	st.mu.Unlock()
}

// unsubscribe removes s from room. Unknown pairs are a no-op.
func (rt *router) unsubscribe(s *session, room string) {
	rt.mu.Lock()
	st := rt.rooms[room]
	delete(rt.bySession[s], room)
	rt.mu.Unlock()

	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.subs, s)
	empty := len(st.subs) == 0
	st.mu.Unlock()

	if empty {
		rt.collect(room, st)
	}
}

// dropSession removes s from every room it joined. When it returns no
// broadcast can reach s anymore.
func (rt *router) dropSession(s *session) {
	rt.mu.Lock()
	rooms := rt.bySession[s]
	delete(rt.bySession, s)
	states := make(map[string]*roomState, len(rooms))
	for room := range rooms {
		if st := rt.rooms[room]; st != nil {
			states[room] = st
		}
	}
	rt.mu.Unlock()

	for room, st := range states {
		st.mu.Lock()
		delete(st.subs, s)
		empty := len(st.subs) == 0
		st.mu.Unlock()
		if empty {
			rt.collect(room, st)
		}
	}
}

// collect reaps a room that went empty, unless someone rejoined in between.
func (rt *router) collect(room string, st *roomState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cur := rt.rooms[room]; cur == st {
		st.mu.Lock()
		empty := len(st.subs) == 0
		st.mu.Unlock()
		if empty {
			delete(rt.rooms, room)
		}
	}
}

// broadcast marshals one frame and enqueues it to every subscriber of room,
// optionally excluding the originating session. Subscribers whose queue is
// full are scheduled for disconnect rather than blocking the room.
func (rt *router) broadcast(room, frameType string, payload any, exclude *session) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("broadcast marshal failed", "room", room, "type", frameType, "error", err)
		return
	}
	frame, err := json.Marshal(wire.Frame{Type: frameType, Data: data, Ts: time.Now().UnixMilli()})
	if err != nil {
		slog.Error("broadcast frame marshal failed", "room", room, "type", frameType, "error", err)
		return
	}

	rt.mu.RLock()
	st := rt.rooms[room]
	rt.mu.RUnlock()
	if st == nil {
		return
	}

	var slow []*session
	st.mu.Lock()
	for s := range st.subs {
		if s == exclude {
			continue
		}
		if !s.enqueue(frame) {
			slow = append(slow, s)
		}
	}
	st.mu.Unlock()

	if rt.broadcasts != nil {
		rt.broadcasts.Add(context.Background(), 1)
	}
	for _, s := range slow {
		slog.Warn("kicking slow subscriber", "session", s.id, "user", s.userID, "room", room)
		if rt.slowKicks != nil {
			rt.slowKicks.Add(context.Background(), 1)
		}
		if rt.onSlow != nil {
			go rt.onSlow(s)
		} else {
			s.close()
		}
	}
}

// dropRoom removes a room entirely, unsubscribing every member. Used when
// the underlying entity is deleted.
func (rt *router) dropRoom(room string) {
	rt.mu.Lock()
	st := rt.rooms[room]
	delete(rt.rooms, room)
	if st != nil {
		st.mu.Lock()
		for s := range st.subs {
			delete(rt.bySession[s], room)
		}
		st.subs = make(map[*session]struct{})
		st.mu.Unlock()
	}
	rt.mu.Unlock()
}

// subscriberCount reports how many sessions are in room.
func (rt *router) subscriberCount(room string) int {
	rt.mu.RLock()
	st := rt.rooms[room]
	rt.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// subscribed reports whether s is in room.
func (rt *router) subscribed(s *session, room string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.bySession[s][room]
	return ok
}
