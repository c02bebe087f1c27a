package main

import (
	"sync"
	"testing"
	"time"

	"github.com/example/chat-sync/pkg/wire"
)

func TestRegistry_RegisterDeregister(t *testing.T) {
	rt := newRouter()
	reg := newRegistry(rt)

	s1 := newSession("alice", "alice", nil)
	s2 := newSession("alice", "alice", nil)

	reg.register(s1)
	reg.register(s2)
	if got := reg.connCount("alice"); got != 2 {
		t.Fatalf("connCount = %d, want 2", got)
	}

	reg.deregister(s1)
	if got := reg.connCount("alice"); got != 1 {
		t.Fatalf("connCount = %d, want 1", got)
	}

	// Double deregister is a no-op.
	reg.deregister(s1)
	if got := reg.connCount("alice"); got != 1 {
		t.Fatalf("connCount after double deregister = %d, want 1", got)
	}

	reg.deregister(s2)
	if got := reg.connCount("alice"); got != 0 {
		t.Fatalf("connCount = %d, want 0", got)
	}
}

func TestRegistry_PresenceEdges(t *testing.T) {
	rt := newRouter()
	reg := newRegistry(rt)
	log := &transitionLog{}
	reg.presence = newPresenceTracker(20*time.Millisecond, log.record)

	s1 := newSession("alice", "alice", nil)
	s2 := newSession("alice", "alice", nil)

	reg.register(s1)
	reg.register(s2)
	if got := log.snapshot(); len(got) != 1 {
		t.Fatalf("transitions after two registers = %v, want single online", got)
	}

	reg.deregister(s1)
	time.Sleep(100 * time.Millisecond)
	if got := log.snapshot(); len(got) != 1 {
		t.Fatalf("transitions while one session remains = %v, want no offline", got)
	}

	reg.deregister(s2)
	time.Sleep(100 * time.Millisecond)
	got := log.snapshot()
	if len(got) != 2 || got[1].Status != wire.StatusOffline {
		t.Fatalf("transitions = %v, want online then offline", got)
	}
}

func TestRegistry_DeregisterLeavesRooms(t *testing.T) {
	rt := newRouter()
	reg := newRegistry(rt)

	s := newSession("alice", "alice", nil)
	reg.register(s)
	rt.subscribe(s, wire.ChannelRoom("general"))

	reg.deregister(s)

	if n := rt.subscriberCount(wire.ChannelRoom("general")); n != 0 {
		t.Errorf("room still has %d subscribers after deregister", n)
	}
	// The queue is closed; enqueue must refuse rather than panic.
	if s.enqueue([]byte("{}")) {
		t.Error("enqueue succeeded on closed session")
	}
}

func TestRegistry_DeregisterClearsTyping(t *testing.T) {
	rt := newRouter()
	reg := newRegistry(rt)
	tlog := &typingLog{}
	reg.typing = newTypingCoordinator(time.Hour, tlog.record)

	s := newSession("alice", "alice", nil)
	reg.register(s)
	reg.typing.start("general", "alice")

	reg.deregister(s)

	if typers := reg.typing.typers("general"); len(typers) != 0 {
		t.Errorf("typers = %v after last disconnect, want none", typers)
	}
}

func TestSession_EnqueueFullBuffer(t *testing.T) {
	s := newSession("alice", "alice", nil)
	for i := 0; i < sendBuffer; i++ {
		if !s.enqueue([]byte("{}")) {
			t.Fatalf("enqueue %d refused with room left", i)
		}
	}
	if s.enqueue([]byte("{}")) {
		t.Error("enqueue succeeded past buffer capacity")
	}
	if s.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", s.dropped.Load())
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	s := newSession("alice", "alice", nil)
	s.close()
	s.close()
}

// A direct reply can race the registry tearing the session down (a slow
// subscriber kick lands while the session's own readPump is mid-dispatch).
// Enqueue must lose the race quietly, never panic.
func TestSession_EnqueueDuringClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := newSession("alice", "alice", nil)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				s.enqueue([]byte("{}"))
			}
		}()
		s.close()
		wg.Wait()
		if s.enqueue([]byte("{}")) {
			t.Fatal("enqueue succeeded on closed session")
		}
	}
}
