package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/wire"
)

// drainFrames empties a session's send queue and decodes every frame.
func drainFrames(t *testing.T, s *session) []wire.Frame {
	t.Helper()
	var out []wire.Frame
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return out
			}
			var f wire.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("bad frame on queue: %v", err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestRouter_BroadcastReachesSubscribers(t *testing.T) {
	rt := newRouter()
	a := newSession("alice", "alice", nil)
	b := newSession("bob", "bob", nil)
	c := newSession("carol", "carol", nil)

	rt.subscribe(a, wire.ChannelRoom("general"))
	rt.subscribe(b, wire.ChannelRoom("general"))
	rt.subscribe(c, wire.ChannelRoom("random"))

	rt.broadcast(wire.ChannelRoom("general"), wire.TypeMessageNew, wire.Message{Content: "hi"}, nil)

	if got := len(drainFrames(t, a)); got != 1 {
		t.Errorf("alice got %d frames, want 1", got)
	}
	if got := len(drainFrames(t, b)); got != 1 {
		t.Errorf("bob got %d frames, want 1", got)
	}
	if got := len(drainFrames(t, c)); got != 0 {
		t.Errorf("carol got %d frames, want 0", got)
	}
}

func TestRouter_ExcludeOrigin(t *testing.T) {
	rt := newRouter()
	a := newSession("alice", "alice", nil)
	b := newSession("bob", "bob", nil)
	rt.subscribe(a, wire.ChannelRoom("general"))
	rt.subscribe(b, wire.ChannelRoom("general"))

	rt.broadcast(wire.ChannelRoom("general"), wire.TypeTypingUpdate,
		wire.TypingUpdate{ChannelID: "general", UserID: "alice", Typing: true}, a)

	if got := len(drainFrames(t, a)); got != 0 {
		t.Errorf("origin got %d frames, want 0", got)
	}
	if got := len(drainFrames(t, b)); got != 1 {
		t.Errorf("bob got %d frames, want 1", got)
	}
}

func TestRouter_SubscribeIdempotent(t *testing.T) {
	rt := newRouter()
	s := newSession("alice", "alice", nil)
	rt.subscribe(s, wire.ChannelRoom("general"))
	rt.subscribe(s, wire.ChannelRoom("general"))

	rt.broadcast(wire.ChannelRoom("general"), wire.TypeMessageNew, wire.Message{}, nil)
	if got := len(drainFrames(t, s)); got != 1 {
		t.Errorf("got %d frames after double subscribe, want 1", got)
	}

	rt.unsubscribe(s, wire.ChannelRoom("general"))
	rt.broadcast(wire.ChannelRoom("general"), wire.TypeMessageNew, wire.Message{}, nil)
	if got := len(drainFrames(t, s)); got != 0 {
		t.Errorf("got %d frames after unsubscribe, want 0", got)
	}
}

func TestRouter_UnsubscribeUnknownPairIsNoop(t *testing.T) {
	rt := newRouter()
	s := newSession("alice", "alice", nil)
	rt.unsubscribe(s, wire.ChannelRoom("nowhere"))
	rt.dropSession(s)
}

func TestRouter_DropSessionLeavesAllRooms(t *testing.T) {
	rt := newRouter()
	s := newSession("alice", "alice", nil)
	rooms := []string{wire.ChannelRoom("a"), wire.ChannelRoom("b"), wire.ServerRoom("s1")}
	for _, r := range rooms {
		rt.subscribe(s, r)
	}

	rt.dropSession(s)

	for _, r := range rooms {
		if n := rt.subscriberCount(r); n != 0 {
			t.Errorf("room %s has %d subscribers after drop, want 0", r, n)
		}
	}
	if rt.subscribed(s, rooms[0]) {
		t.Error("session still reported subscribed after drop")
	}
}

func TestRouter_EmptyRoomsAreCollected(t *testing.T) {
	rt := newRouter()
	s := newSession("alice", "alice", nil)
	rt.subscribe(s, wire.ChannelRoom("general"))
	rt.unsubscribe(s, wire.ChannelRoom("general"))

	rt.mu.RLock()
	_, exists := rt.rooms[wire.ChannelRoom("general")]
	rt.mu.RUnlock()
	if exists {
		t.Error("empty room not collected")
	}
}

func TestRouter_SlowSubscriberKicked(t *testing.T) {
	rt := newRouter()
	kicked := make(chan *session, 1)
	rt.onSlow = func(s *session) { kicked <- s }

	s := newSession("alice", "alice", nil)
	rt.subscribe(s, wire.ChannelRoom("general"))

	for i := 0; i < sendBuffer+1; i++ {
		rt.broadcast(wire.ChannelRoom("general"), wire.TypeMessageNew, wire.Message{ID: msgid.ID(i)}, nil)
	}

	select {
	case got := <-kicked:
		if got != s {
			t.Error("wrong session kicked")
		}
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not kicked")
	}
}

func TestRouter_DropRoom(t *testing.T) {
	rt := newRouter()
	a := newSession("alice", "alice", nil)
	b := newSession("bob", "bob", nil)
	rt.subscribe(a, wire.ChannelRoom("doomed"))
	rt.subscribe(b, wire.ChannelRoom("doomed"))

	rt.dropRoom(wire.ChannelRoom("doomed"))

	if rt.subscribed(a, wire.ChannelRoom("doomed")) || rt.subscribed(b, wire.ChannelRoom("doomed")) {
		t.Error("sessions still subscribed to dropped room")
	}
	rt.broadcast(wire.ChannelRoom("doomed"), wire.TypeMessageNew, wire.Message{}, nil)
	if got := len(drainFrames(t, a)); got != 0 {
		t.Errorf("got %d frames after room drop, want 0", got)
	}
}
