package main

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/wire"
)

// keyedMutex hands out one mutex per key. Used to serialize writes per
// channel without a global lock. Each entry is refcounted and dropped once
// the last holder unlocks, so the map stays bounded by the number of
// channels with writes in flight, not the number ever written to.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)

// engine owns the write path for messages, reactions, and read cursors. Every
// mutation of one channel runs under that channel's lock, so ids, persistence
// order, and broadcast order all agree.
type engine struct {
	ids     *msgid.Generator
	store   MessageStore
	reads   ReadStateStore
	members MembershipResolver
	router  *router
	emit    func(ctx context.Context, kind string, payload any)

	channels *keyedMutex

	submitted   metric.Int64Counter
	submitTime  metric.Float64Histogram
	readUpdates metric.Int64Counter
}

func newEngine(ids *msgid.Generator, store MessageStore, reads ReadStateStore, members MembershipResolver, rt *router) *engine {
	return &engine{
		ids:      ids,
		store:    store,
		reads:    reads,
		members:  members,
		router:   rt,
		channels: newKeyedMutex(),
	}
}

func (e *engine) pipeline(ctx context.Context, kind string, payload any) {
	if e.emit != nil {
		e.emit(ctx, kind, payload)
	}
}

// submit validates, stamps, persists, and broadcasts a new message. The id is
// assigned under the channel lock so per-channel id order equals persistence
// order equals broadcast order.
func (e *engine) submit(ctx context.Context, channelID, authorID string, req wire.SendMessage) (*wire.Message, error) {
	if !wire.ValidContent(req.Content) {
		return nil, validationErr("content must be %d-%d characters", wire.MinContentLen, wire.MaxContentLen)
	}
	start := time.Now()

	unlock := e.channels.lock(channelID)
	defer unlock()

	if req.ReplyTo != 0 {
		if _, err := e.store.Get(ctx, channelID, req.ReplyTo); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, invalidRefErr("reply target %v not found in channel", req.ReplyTo)
			}
			return nil, transientErr(err, "reply target lookup failed")
		}
	}

	msg := &wire.Message{
		ID:          e.ids.Next(),
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     req.Content,
		ReplyTo:     req.ReplyTo,
		Attachments: req.Attachments,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := e.store.Create(ctx, msg); err != nil {
		return nil, transientErr(err, "message persist failed")
	}

	e.router.broadcast(wire.ChannelRoom(channelID), wire.TypeMessageNew, msg, nil)
	e.pipeline(ctx, "message.new", msg)

	if e.submitted != nil {
		e.submitted.Add(ctx, 1)
	}
	if e.submitTime != nil {
		e.submitTime.Record(ctx, time.Since(start).Seconds())
	}

	go e.recordMentions(context.WithoutCancel(ctx), msg)
	return msg, nil
}

// recordMentions bumps mention counters for @handles that resolve to channel
// members. Self-mentions do not count. Best effort off the hot path.
func (e *engine) recordMentions(ctx context.Context, msg *wire.Message) {
	handles := mentionPattern.FindAllStringSubmatch(msg.Content, -1)
	if len(handles) == 0 {
		return
	}
	members, err := e.members.MembersOf(ctx, msg.ChannelID)
	if err != nil {
		slog.Warn("mention member lookup failed", "channel", msg.ChannelID, "error", err)
		return
	}
	seen := make(map[string]bool)
	for _, h := range handles {
		userID, err := e.members.UserIDByName(ctx, h[1])
		if err != nil || userID == msg.AuthorID || seen[userID] {
			continue
		}
		if !slices.Contains(members, userID) {
			continue
		}
		seen[userID] = true
		if err := e.reads.IncrementMention(ctx, userID, msg.ChannelID); err != nil {
			slog.Warn("mention counter update failed", "user", userID, "channel", msg.ChannelID, "error", err)
		}
	}
}

// edit replaces a message's content. Only the author may edit.
func (e *engine) edit(ctx context.Context, editorID string, req wire.EditMessage) (*wire.Message, error) {
	if !wire.ValidContent(req.Content) {
		return nil, validationErr("content must be %d-%d characters", wire.MinContentLen, wire.MaxContentLen)
	}

	unlock := e.channels.lock(req.ChannelID)
	defer unlock()

	msg, err := e.store.Get(ctx, req.ChannelID, req.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidRefErr("message %v not found in channel", req.MessageID)
		}
		return nil, transientErr(err, "message lookup failed")
	}
	if msg.AuthorID != editorID {
		return nil, forbiddenErr("only the author may edit a message")
	}

	msg.Content = req.Content
	msg.EditedAt = time.Now().UnixMilli()
	if err := e.store.Update(ctx, msg); err != nil {
		return nil, transientErr(err, "message update failed")
	}

	e.router.broadcast(wire.ChannelRoom(req.ChannelID), wire.TypeMessageUpdated, msg, nil)
	e.pipeline(ctx, "message.updated", msg)
	return msg, nil
}

// delete removes a message. The author may always delete their own;
// moderators may delete anyone's. The broadcast carries only ids.
func (e *engine) delete(ctx context.Context, actorID string, req wire.DeleteMessage) error {
	unlock := e.channels.lock(req.ChannelID)
	defer unlock()

	msg, err := e.store.Get(ctx, req.ChannelID, req.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidRefErr("message %v not found in channel", req.MessageID)
		}
		return transientErr(err, "message lookup failed")
	}
	if msg.AuthorID != actorID {
		ok, err := e.members.CanModerate(ctx, actorID, req.ChannelID)
		if err != nil {
			return transientErr(err, "moderator check failed")
		}
		if !ok {
			return forbiddenErr("not allowed to delete this message")
		}
	}

	if err := e.store.Delete(ctx, req.ChannelID, req.MessageID); err != nil {
		return transientErr(err, "message delete failed")
	}

	e.router.broadcast(wire.ChannelRoom(req.ChannelID), wire.TypeMessageDeleted, req, nil)
	e.pipeline(ctx, "message.deleted", req)
	return nil
}

// addReaction records a reaction and broadcasts it. Re-adding an existing
// reaction is idempotent.
func (e *engine) addReaction(ctx context.Context, userID string, req wire.Reaction) error {
	if req.Emoji == "" {
		return validationErr("emoji must not be empty")
	}
	unlock := e.channels.lock(req.ChannelID)
	defer unlock()

	err := e.store.AddReaction(ctx, req.ChannelID, req.MessageID, userID, req.Emoji)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidRefErr("message %v not found in channel", req.MessageID)
		}
		return transientErr(err, "reaction persist failed")
	}

	req.UserID = userID
	e.router.broadcast(wire.ChannelRoom(req.ChannelID), wire.TypeReactionAdded, req, nil)
	e.pipeline(ctx, "reaction.added", req)
	return nil
}

// removeReaction deletes a reaction and broadcasts the removal. Removing a
// reaction that is not there is a no-op broadcast-wise.
func (e *engine) removeReaction(ctx context.Context, userID string, req wire.Reaction) error {
	unlock := e.channels.lock(req.ChannelID)
	defer unlock()

	if err := e.store.RemoveReaction(ctx, req.ChannelID, req.MessageID, userID, req.Emoji); err != nil {
		return transientErr(err, "reaction delete failed")
	}

	req.UserID = userID
	e.router.broadcast(wire.ChannelRoom(req.ChannelID), wire.TypeReactionRemoved, req, nil)
	e.pipeline(ctx, "reaction.removed", req)
	return nil
}

// markRead advances the user's cursor in a channel. Regressions are silently
// ignored so stale frames from a reconnecting client do no harm. The updated
// cursor is echoed to the user's own sessions only.
func (e *engine) markRead(ctx context.Context, userID string, req wire.MarkRead) error {
	advanced, err := e.reads.Advance(ctx, userID, req.ChannelID, req.MessageID)
	if err != nil {
		return transientErr(err, "read cursor update failed")
	}
	if !advanced {
		return nil
	}

	state := wire.ReadState{ChannelID: req.ChannelID, LastReadID: req.MessageID}
	e.router.broadcast(wire.UserRoom(userID), wire.TypeReadMark, state, nil)
	e.pipeline(ctx, "read.updated", map[string]any{"userId": userID, "channelId": req.ChannelID, "lastReadId": req.MessageID})

	if e.readUpdates != nil {
		e.readUpdates.Add(ctx, 1)
	}
	return nil
}
