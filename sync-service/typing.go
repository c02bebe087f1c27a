package main

import (
	"context"
	"sync"
	"time"
)

// defaultTypingTTL is how long a typing indicator survives without renewal.
const defaultTypingTTL = 10 * time.Second

// typingCoordinator tracks who is typing in which channel. Indicators are
// edge-triggered: repeated starts renew the deadline silently, and only
// start/stop transitions broadcast. All state is in memory; none of it
// survives a restart, matching its usefulness window.
type typingCoordinator struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // channelID -> userID -> deadline
	ttl     time.Duration

	broadcast func(channelID, userID string, typing bool)
}

func newTypingCoordinator(ttl time.Duration, broadcast func(channelID, userID string, typing bool)) *typingCoordinator {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &typingCoordinator{
		entries:   make(map[string]map[string]time.Time),
		ttl:       ttl,
		broadcast: broadcast,
	}
}

// start marks userID as typing in channelID. Only the first start of a burst
// broadcasts; renewals just push the deadline.
func (t *typingCoordinator) start(channelID, userID string) {
	t.mu.Lock()
	ch := t.entries[channelID]
	if ch == nil {
		ch = make(map[string]time.Time)
		t.entries[channelID] = ch
	}
	_, already := ch[userID]
	ch[userID] = time.Now().Add(t.ttl)
	t.mu.Unlock()

	if !already && t.broadcast != nil {
		t.broadcast(channelID, userID, true)
	}
}

// stop clears userID's indicator in channelID. Stopping a user who was not
// typing is a no-op.
func (t *typingCoordinator) stop(channelID, userID string) {
	t.mu.Lock()
	_, was := t.entries[channelID][userID]
	if was {
		delete(t.entries[channelID], userID)
		if len(t.entries[channelID]) == 0 {
			delete(t.entries, channelID)
		}
	}
	t.mu.Unlock()

	if was && t.broadcast != nil {
		t.broadcast(channelID, userID, false)
	}
}

// stopAllFor clears every indicator a user holds, across channels. Called
// when the user's last session drops.
func (t *typingCoordinator) stopAllFor(userID string) {
	t.mu.Lock()
	var channels []string
	for channelID, ch := range t.entries {
		if _, ok := ch[userID]; ok {
			delete(ch, userID)
			if len(ch) == 0 {
				delete(t.entries, channelID)
			}
			channels = append(channels, channelID)
		}
	}
	t.mu.Unlock()

	if t.broadcast != nil {
		for _, channelID := range channels {
			t.broadcast(channelID, userID, false)
		}
	}
}

// typers snapshots who is currently typing in channelID.
func (t *typingCoordinator) typers(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make([]string, 0, len(t.entries[channelID]))
	for userID, deadline := range t.entries[channelID] {
		if deadline.After(now) {
			out = append(out, userID)
		}
	}
	return out
}

// run sweeps expired indicators at half the TTL until ctx is done.
func (t *typingCoordinator) run(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *typingCoordinator) sweep(now time.Time) {
	type expiry struct{ channelID, userID string }
	var expired []expiry

	t.mu.Lock()
	for channelID, ch := range t.entries {
		for userID, deadline := range ch {
			if !deadline.After(now) {
				delete(ch, userID)
				expired = append(expired, expiry{channelID, userID})
			}
		}
		if len(ch) == 0 {
			delete(t.entries, channelID)
		}
	}
	t.mu.Unlock()

	if t.broadcast != nil {
		for _, e := range expired {
			t.broadcast(e.channelID, e.userID, false)
		}
	}
}
