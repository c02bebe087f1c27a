// Package client is the Go client for the chat sync service: a websocket
// connection with automatic reconnect, plus a durable outbox so messages
// composed offline are delivered once connectivity returns.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/outbox"
	"github.com/example/chat-sync/pkg/wire"
)

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. wss://chat.example.com/ws.
	URL string
	// Token is the bearer token presented at connect.
	Token string
	// OutboxPath is the SQLite file holding undelivered messages.
	OutboxPath string
	// OnEvent receives every server-pushed frame (not acks or errors).
	OnEvent func(wire.Frame)
	// AckTimeout bounds how long a replayed send waits for its ack.
	AckTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client speaks the sync protocol. Create with New, then call Run; Run blocks
// until its context ends, reconnecting as needed.
type Client struct {
	opts   Options
	log    *slog.Logger
	box    *outbox.Queue
	userID string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wire.Frame

	recent *recentMessages
	nudge  chan struct{}
}

// New opens the outbox and prepares a client. No connection is made until
// Run.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" || opts.Token == "" {
		return nil, fmt.Errorf("URL and Token are required")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutboxPath == "" {
		opts.OutboxPath = "chat-outbox.db"
	}

	userID, err := subjectOf(opts.Token)
	if err != nil {
		return nil, err
	}
	box, err := outbox.Open(ctx, opts.OutboxPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:    opts,
		log:     opts.Logger,
		box:     box,
		userID:  userID,
		pending: make(map[string]chan wire.Frame),
		recent:  newRecentMessages(10 * time.Minute),
		nudge:   make(chan struct{}, 1),
	}, nil
}

// subjectOf pulls the sub claim without verifying the signature; the server
// does the real validation.
func subjectOf(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token has no sub claim")
	}
	return sub, nil
}

// Close releases the outbox. Call after Run has returned.
func (c *Client) Close() error { return c.box.Close() }

// Pending reports how many messages still wait for delivery.
func (c *Client) Pending(ctx context.Context) (int, error) { return c.box.Pending(ctx) }

// Failed lists messages the server rejected permanently.
func (c *Client) Failed(ctx context.Context) ([]outbox.Entry, error) { return c.box.Failed(ctx) }

// Run connects and keeps the session alive until ctx is done, backing off
// between reconnect attempts.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		start := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, time.Since(start))
		c.log.Warn("connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// nextBackoff doubles the reconnect delay up to 30s, starting over at 1s after
// a connection that held for a while. Without the reset, one bad night of
// flapping leaves a healthy client waiting 30s to recover from every blip.
func nextBackoff(cur, connectedFor time.Duration) time.Duration {
	if connectedFor > time.Minute {
		return time.Second
	}
	cur *= 2
	if cur > 30*time.Second {
		cur = 30 * time.Second
	}
	return cur
}

func (c *Client) runOnce(ctx context.Context) error {
	header := map[string][]string{"Authorization": {"Bearer " + c.opts.Token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("connected", "url", c.opts.URL)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.readLoop(runCtx, conn) }()
	go c.flushLoop(runCtx)

	select {
	case err := <-done:
		c.detach(conn)
		return err
	case <-ctx.Done():
		c.detach(conn)
		return ctx.Err()
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case wire.TypeAck, wire.TypeError:
			c.mu.Lock()
			ch := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
		case wire.TypeMessageNew:
			var m wire.Message
			if err := json.Unmarshal(frame.Data, &m); err == nil && m.AuthorID == c.userID {
				c.recent.record(m.ChannelID, m.Content, m.ID)
			}
			c.deliver(frame)
		default:
			c.deliver(frame)
		}
	}
}

func (c *Client) deliver(frame wire.Frame) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(frame)
	}
}

// send writes a frame on the live connection, registering the correlation id
// when a reply channel is given.
func (c *Client) send(frame wire.Frame, reply chan wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	if reply != nil {
		c.pending[frame.ID] = reply
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	if err != nil && reply != nil {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	return err
}

// fireAndForget sends a frame without awaiting a reply. Connection loss is
// reported but not fatal: these frames are ephemeral by nature.
func (c *Client) fireAndForget(frameType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send(wire.Frame{Type: frameType, ID: uuid.NewString(), Data: data}, nil)
}

// SendMessage queues a message for delivery. It returns as soon as the entry
// is durable; the reconciler delivers it, now or after reconnect.
func (c *Client) SendMessage(ctx context.Context, msg wire.SendMessage) error {
	if !wire.ValidContent(msg.Content) {
		return fmt.Errorf("content must be %d-%d characters", wire.MinContentLen, wire.MaxContentLen)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := c.box.Enqueue(ctx, msg.ChannelID, c.opts.Token, payload); err != nil {
		return err
	}
	select {
	case c.nudge <- struct{}{}:
	default:
	}
	return nil
}

// StartTyping signals the user is composing in channelID.
func (c *Client) StartTyping(channelID string) error {
	return c.fireAndForget(wire.TypeTypingStart, wire.Typing{ChannelID: channelID})
}

// StopTyping clears the typing indicator.
func (c *Client) StopTyping(channelID string) error {
	return c.fireAndForget(wire.TypeTypingStop, wire.Typing{ChannelID: channelID})
}

// SetPresence publishes an explicit presence status.
func (c *Client) SetPresence(status string) error {
	if !wire.ValidStatus(status) {
		return fmt.Errorf("unknown presence status %q", status)
	}
	return c.fireAndForget(wire.TypePresenceUpdate, wire.PresenceUpdate{Status: status})
}

// MarkRead advances the read cursor in channelID.
func (c *Client) MarkRead(channelID string, id msgid.ID) error {
	return c.fireAndForget(wire.TypeReadMark, wire.MarkRead{ChannelID: channelID, MessageID: id})
}

// AddReaction attaches an emoji reaction to a message.
func (c *Client) AddReaction(channelID string, id msgid.ID, emoji string) error {
	return c.fireAndForget(wire.TypeReactionAdd, wire.Reaction{ChannelID: channelID, MessageID: id, Emoji: emoji})
}

// RemoveReaction removes the caller's reaction from a message.
func (c *Client) RemoveReaction(channelID string, id msgid.ID, emoji string) error {
	return c.fireAndForget(wire.TypeReactionRemove, wire.Reaction{ChannelID: channelID, MessageID: id, Emoji: emoji})
}
