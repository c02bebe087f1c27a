package main

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/wire"
)

// memMessageStore keeps messages in process memory. It backs tests and the
// single-node dev mode (DEV_MEMORY_STORE=true).
type memMessageStore struct {
	mu        sync.Mutex
	messages  map[string]map[msgid.ID]*wire.Message
	reactions map[string]map[reactionKey]struct{}
}

type reactionKey struct {
	id     msgid.ID
	userID string
	emoji  string
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{
		messages:  make(map[string]map[msgid.ID]*wire.Message),
		reactions: make(map[string]map[reactionKey]struct{}),
	}
}

func (s *memMessageStore) Create(ctx context.Context, m *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.messages[m.ChannelID]
	if ch == nil {
		ch = make(map[msgid.ID]*wire.Message)
		s.messages[m.ChannelID] = ch
	}
	if _, ok := ch[m.ID]; ok {
		return fmt.Errorf("duplicate message id %v", m.ID)
	}
	cp := *m
	ch[m.ID] = &cp
	return nil
}

func (s *memMessageStore) Get(ctx context.Context, channelID string, id msgid.ID) (*wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[channelID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memMessageStore) List(ctx context.Context, channelID string, before msgid.ID, limit int) ([]*wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.Message
	for id, m := range s.messages[channelID] {
		if before == 0 || id < before {
			cp := *m
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *wire.Message) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memMessageStore) Update(ctx context.Context, m *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ChannelID][m.ID]; !ok {
		return ErrNotFound
	}
	cp := *m
	s.messages[m.ChannelID][m.ID] = &cp
	return nil
}

func (s *memMessageStore) Delete(ctx context.Context, channelID string, id msgid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[channelID][id]; !ok {
		return ErrNotFound
	}
	delete(s.messages[channelID], id)
	for k := range s.reactions[channelID] {
		if k.id == id {
			delete(s.reactions[channelID], k)
		}
	}
	return nil
}

func (s *memMessageStore) AddReaction(ctx context.Context, channelID string, id msgid.ID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[channelID][id]; !ok {
		return ErrNotFound
	}
	rs := s.reactions[channelID]
	if rs == nil {
		rs = make(map[reactionKey]struct{})
		s.reactions[channelID] = rs
	}
	rs[reactionKey{id: id, userID: userID, emoji: emoji}] = struct{}{}
	return nil
}

func (s *memMessageStore) RemoveReaction(ctx context.Context, channelID string, id msgid.ID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reactions[channelID], reactionKey{id: id, userID: userID, emoji: emoji})
	return nil
}

// memReadStateStore holds read cursors in memory.
type memReadStateStore struct {
	mu      sync.Mutex
	cursors map[string]wire.ReadState // userID + "/" + channelID
}

func newMemReadStateStore() *memReadStateStore {
	return &memReadStateStore{cursors: make(map[string]wire.ReadState)}
}

func readKey(userID, channelID string) string { return userID + "/" + channelID }

func (s *memReadStateStore) Advance(ctx context.Context, userID, channelID string, id msgid.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := readKey(userID, channelID)
	cur := s.cursors[k]
	if id <= cur.LastReadID {
		return false, nil
	}
	s.cursors[k] = wire.ReadState{ChannelID: channelID, LastReadID: id}
	return true, nil
}

func (s *memReadStateStore) Cursor(ctx context.Context, userID, channelID string) (wire.ReadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.cursors[readKey(userID, channelID)]
	if !ok {
		return wire.ReadState{ChannelID: channelID}, nil
	}
	return rs, nil
}

func (s *memReadStateStore) IncrementMention(ctx context.Context, userID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := readKey(userID, channelID)
	rs := s.cursors[k]
	rs.ChannelID = channelID
	rs.MentionCount++
	s.cursors[k] = rs
	return nil
}

// memMembership is a mutable in-memory membership table for tests and dev
// mode. The CRUD plane drives it through the control stream.
type memMembership struct {
	mu       sync.Mutex
	rooms    map[string][]string // userID -> room keys
	mods     map[string][]string // channelID -> moderator user ids
	names    map[string]string   // username -> userID
	channels map[string][]string // channelID -> member user ids
}

func newMemMembership() *memMembership {
	return &memMembership{
		rooms:    make(map[string][]string),
		mods:     make(map[string][]string),
		names:    make(map[string]string),
		channels: make(map[string][]string),
	}
}

func (m *memMembership) grant(userID string, rooms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rooms {
		if !slices.Contains(m.rooms[userID], r) {
			m.rooms[userID] = append(m.rooms[userID], r)
		}
		if kind, id, err := wire.ParseRoom(r); err == nil && kind == wire.RoomChannel {
			if !slices.Contains(m.channels[id], userID) {
				m.channels[id] = append(m.channels[id], userID)
			}
		}
	}
}

func (m *memMembership) revoke(userID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[userID] = slices.DeleteFunc(m.rooms[userID], func(r string) bool { return r == room })
	if kind, id, err := wire.ParseRoom(room); err == nil && kind == wire.RoomChannel {
		m.channels[id] = slices.DeleteFunc(m.channels[id], func(u string) bool { return u == userID })
	}
}

func (m *memMembership) setModerator(userID, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mods[channelID] = append(m.mods[channelID], userID)
}

func (m *memMembership) setUsername(username, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[username] = userID
}

func (m *memMembership) CanAccess(ctx context.Context, userID, room string) (bool, error) {
	if room == wire.UserRoom(userID) {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.rooms[userID], room), nil
}

func (m *memMembership) CanModerate(ctx context.Context, userID, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.mods[channelID], userID), nil
}

func (m *memMembership) RoomsOf(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{wire.UserRoom(userID)}, m.rooms[userID]...), nil
}

func (m *memMembership) FollowerRooms(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{wire.UserRoom(userID)}
	for _, r := range m.rooms[userID] {
		if kind, _, err := wire.ParseRoom(r); err == nil && kind == wire.RoomServer {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memMembership) UserIDByName(ctx context.Context, username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.names[username]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (m *memMembership) MembersOf(ctx context.Context, channelID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.channels[channelID]), nil
}
