package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/outbox"
	"github.com/example/chat-sync/pkg/wire"
)

// recentMessages remembers the caller's own recently delivered messages so a
// replay after a lost ack can be recognized instead of duplicated. The match
// is heuristic: same channel and content, observed after the entry was
// enqueued.
type recentMessages struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]recentEntry
}

type recentEntry struct {
	id   msgid.ID
	seen time.Time
}

func newRecentMessages(ttl time.Duration) *recentMessages {
	return &recentMessages{ttl: ttl, entries: make(map[string]recentEntry)}
}

func recentKey(channelID, content string) string { return channelID + "\x00" + content }

func (r *recentMessages) record(channelID, content string, id msgid.ID) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[recentKey(channelID, content)] = recentEntry{id: id, seen: now}
	for k, e := range r.entries {
		if now.Sub(e.seen) > r.ttl {
			delete(r.entries, k)
		}
	}
}

// match reports whether an identical message was seen after enqueuedAt.
func (r *recentMessages) match(channelID, content string, enqueuedAt time.Time) (msgid.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[recentKey(channelID, content)]
	if !ok || e.seen.Before(enqueuedAt) {
		return 0, false
	}
	return e.id, true
}

// flushLoop replays outbox entries one at a time, in enqueue order, for as
// long as the connection lives. Strictly sequential: the next entry is not
// sent until the previous one is acked, keeping the author's messages in
// compose order.
func (c *Client) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if err := c.flushOnce(ctx); err != nil {
			if errors.Is(err, outbox.ErrEmpty) || errors.Is(err, context.Canceled) {
				// Fall through to wait.
			} else {
				c.log.Warn("outbox flush paused", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-c.nudge:
			}
		}
	}
}

// flushOnce delivers a single entry. A nil return means progress was made and
// the caller should immediately try the next entry.
func (c *Client) flushOnce(ctx context.Context) error {
	entry, err := c.box.Next(ctx)
	if err != nil {
		return err
	}

	var msg wire.SendMessage
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		// Unreadable entries can never succeed.
		c.log.Error("discarding corrupt outbox entry", "id", entry.ID, "error", err)
		return c.box.MarkFailed(ctx, entry.ID, fmt.Sprintf("corrupt payload: %v", err))
	}

	// An entry composed under a different account must not be sent as the
	// current user. Happens when someone logs out and back in as someone else
	// with messages still queued.
	if entry.Token != "" {
		if sub, err := subjectOf(entry.Token); err != nil || sub != c.userID {
			c.log.Warn("outbox entry composed under a different account, parking", "id", entry.ID)
			return c.box.MarkFailed(ctx, entry.ID, "credential mismatch: composed under a different account")
		}
	}

	// A copy of this message may already have landed if the ack was lost in
	// a previous session.
	if id, ok := c.recent.match(entry.ChannelID, msg.Content, entry.EnqueuedAt); ok {
		c.log.Info("outbox entry already delivered, skipping", "id", entry.ID, "message", id)
		return c.box.Ack(ctx, entry.ID)
	}

	corr := fmt.Sprintf("outbox-%d-%d", entry.ID, entry.Attempts)
	reply := make(chan wire.Frame, 1)
	if err := c.send(wire.Frame{Type: wire.TypeMessageSend, ID: corr, Data: entry.Payload}, reply); err != nil {
		if reqErr := c.box.Requeue(ctx, entry.ID); reqErr != nil {
			c.log.Error("requeue failed", "id", entry.ID, "error", reqErr)
		}
		return err
	}

	select {
	case <-ctx.Done():
		if err := c.box.Requeue(context.WithoutCancel(ctx), entry.ID); err != nil {
			c.log.Error("requeue failed", "id", entry.ID, "error", err)
		}
		return ctx.Err()
	case <-time.After(c.opts.AckTimeout):
		if err := c.box.Requeue(ctx, entry.ID); err != nil {
			c.log.Error("requeue failed", "id", entry.ID, "error", err)
		}
		return fmt.Errorf("ack timeout for entry %d", entry.ID)
	case frame, ok := <-reply:
		if !ok {
			// Connection died before the reply arrived.
			if err := c.box.Requeue(context.WithoutCancel(ctx), entry.ID); err != nil {
				c.log.Error("requeue failed", "id", entry.ID, "error", err)
			}
			return fmt.Errorf("connection lost awaiting ack for entry %d", entry.ID)
		}
		return c.settle(ctx, entry, frame)
	}
}

// settle resolves one replayed entry from the server's reply.
func (c *Client) settle(ctx context.Context, entry outbox.Entry, frame wire.Frame) error {
	if frame.Type == wire.TypeAck {
		return c.box.Ack(ctx, entry.ID)
	}

	var info wire.ErrorInfo
	if err := json.Unmarshal(frame.Data, &info); err != nil {
		info = wire.ErrorInfo{Code: "transient", Message: "unreadable error frame"}
	}
	switch info.Code {
	case "validation", "invalid_reference", "forbidden", "fatal":
		// The server will never accept this entry; park it for the user.
		c.log.Warn("outbox entry rejected", "id", entry.ID, "code", info.Code, "message", info.Message)
		return c.box.MarkFailed(ctx, entry.ID, info.Code+": "+info.Message)
	default:
		if err := c.box.Requeue(ctx, entry.ID); err != nil {
			return err
		}
		return fmt.Errorf("transient rejection of entry %d: %s", entry.ID, info.Message)
	}
}
