package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/wire"
)

func testToken(t *testing.T, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return token
}

// fakeServer is a minimal sync endpoint: it acks message.send frames and
// records what it received. reject lists contents to refuse with the given
// error code.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	ids    *msgid.Generator
	reject map[string]string

	mu       sync.Mutex
	received []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ids, err := msgid.NewGenerator(1)
	require.NoError(t, err)
	fs := &fakeServer{t: t, ids: ids, reject: make(map[string]string)}

	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wire.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Type != wire.TypeMessageSend {
				continue
			}
			var msg wire.SendMessage
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				continue
			}

			if code, ok := fs.reject[msg.Content]; ok {
				fs.reply(conn, wire.Frame{Type: wire.TypeError, ID: frame.ID},
					wire.ErrorInfo{Code: code, Message: "refused"})
				continue
			}

			fs.mu.Lock()
			fs.received = append(fs.received, msg.Content)
			fs.mu.Unlock()
			fs.reply(conn, wire.Frame{Type: wire.TypeAck, ID: frame.ID},
				wire.AckInfo{MessageID: fs.ids.Next()})
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) reply(conn *websocket.Conn, frame wire.Frame, payload any) {
	data, err := json.Marshal(payload)
	require.NoError(fs.t, err)
	frame.Data = data
	out, err := json.Marshal(frame)
	require.NoError(fs.t, err)
	require.NoError(fs.t, conn.WriteMessage(websocket.TextMessage, out))
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) contents() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, len(fs.received))
	copy(out, fs.received)
	return out
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(context.Background(), Options{
		URL:        url,
		Token:      testToken(t, "u-1"),
		OutboxPath: filepath.Join(t.TempDir(), "outbox.db"),
		AckTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	_, err = New(context.Background(), Options{URL: "ws://x", Token: "not-a-jwt"})
	assert.Error(t, err)
}

func TestSendMessage_QueuesWhileOffline(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws")

	require.NoError(t, c.SendMessage(context.Background(),
		wire.SendMessage{ChannelID: "general", Content: "written offline"}))

	n, err := c.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendMessage_RejectsInvalidContent(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws")
	assert.Error(t, c.SendMessage(context.Background(),
		wire.SendMessage{ChannelID: "general", Content: ""}))
}

func TestRun_FlushesQueueInOrder(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())

	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, c.SendMessage(context.Background(),
			wire.SendMessage{ChannelID: "general", Content: content}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool {
		n, err := c.Pending(context.Background())
		return err == nil && n == 0
	}, "outbox never drained")

	assert.Equal(t, []string{"first", "second", "third"}, fs.contents())
}

func TestRun_PermanentRejectionParksEntry(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject["bad"] = "forbidden"
	c := newTestClient(t, fs.url())

	require.NoError(t, c.SendMessage(context.Background(),
		wire.SendMessage{ChannelID: "general", Content: "bad"}))
	require.NoError(t, c.SendMessage(context.Background(),
		wire.SendMessage{ChannelID: "general", Content: "good"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool {
		n, err := c.Pending(context.Background())
		return err == nil && n == 0
	}, "outbox never drained")

	// The rejected entry is parked, not retried, and does not block the rest.
	assert.Equal(t, []string{"good"}, fs.contents())
	failed, err := c.Failed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, "forbidden")
}

func TestRun_ParksEntryFromDifferentAccount(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())

	// An entry left behind by whoever used this outbox before re-login.
	payload, err := json.Marshal(wire.SendMessage{ChannelID: "general", Content: "stale draft"})
	require.NoError(t, err)
	_, err = c.box.Enqueue(context.Background(), "general", testToken(t, "u-2"), payload)
	require.NoError(t, err)

	require.NoError(t, c.SendMessage(context.Background(),
		wire.SendMessage{ChannelID: "general", Content: "fresh"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool {
		n, err := c.Pending(context.Background())
		return err == nil && n == 0
	}, "outbox never drained")

	// The stale entry never reaches the server as the current user.
	assert.Equal(t, []string{"fresh"}, fs.contents())
	failed, err := c.Failed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, "credential mismatch")
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		name         string
		cur          time.Duration
		connectedFor time.Duration
		want         time.Duration
	}{
		{"doubles after quick failure", time.Second, 100 * time.Millisecond, 2 * time.Second},
		{"keeps doubling", 4 * time.Second, 5 * time.Second, 8 * time.Second},
		{"caps at thirty seconds", 20 * time.Second, time.Second, 30 * time.Second},
		{"stays capped", 30 * time.Second, time.Second, 30 * time.Second},
		{"resets after stable connection", 30 * time.Second, 2 * time.Minute, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextBackoff(tt.cur, tt.connectedFor))
		})
	}
}

func TestRecentMessages_Match(t *testing.T) {
	r := newRecentMessages(time.Minute)
	enqueued := time.Now().Add(-time.Second)

	_, ok := r.match("general", "hello", enqueued)
	assert.False(t, ok)

	r.record("general", "hello", 42)
	id, ok := r.match("general", "hello", enqueued)
	assert.True(t, ok)
	assert.Equal(t, msgid.ID(42), id)

	// A delivery observed before the entry was enqueued is a different
	// message with the same text, not this one.
	_, ok = r.match("general", "hello", time.Now().Add(time.Second))
	assert.False(t, ok)

	_, ok = r.match("random", "hello", enqueued)
	assert.False(t, ok)
}

func TestFlush_SkipsAlreadyDeliveredEntry(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs.url())

	require.NoError(t, c.SendMessage(context.Background(),
		wire.SendMessage{ChannelID: "general", Content: "landed before crash"}))

	// Simulate having observed our own message arrive in a previous session
	// whose ack was lost.
	c.recent.record("general", "landed before crash", 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool {
		n, err := c.Pending(context.Background())
		return err == nil && n == 0
	}, "outbox never drained")

	assert.Empty(t, fs.contents(), "duplicate was sent to the server")
}

func TestOnEvent_ReceivesBroadcasts(t *testing.T) {
	upgrader := websocket.Upgrader{}
	events := make(chan wire.Frame, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := json.Marshal(wire.TypingUpdate{ChannelID: "general", UserID: "u-2", Typing: true})
		out, _ := json.Marshal(wire.Frame{Type: wire.TypeTypingUpdate, Data: data})
		conn.WriteMessage(websocket.TextMessage, out)
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(context.Background(), Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:      testToken(t, "u-1"),
		OutboxPath: filepath.Join(t.TempDir(), "outbox.db"),
		OnEvent:    func(f wire.Frame) { events <- f },
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case f := <-events:
		assert.Equal(t, wire.TypeTypingUpdate, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}
