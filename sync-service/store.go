package main

import (
	"context"
	"errors"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/wire"
)

// ErrNotFound is returned by stores when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// MessageStore persists chat messages and their reactions.
type MessageStore interface {
	Create(ctx context.Context, m *wire.Message) error
	Get(ctx context.Context, channelID string, id msgid.ID) (*wire.Message, error)
	// List returns up to limit messages with id < before, newest first.
	// before == 0 means from the top.
	List(ctx context.Context, channelID string, before msgid.ID, limit int) ([]*wire.Message, error)
	Update(ctx context.Context, m *wire.Message) error
	Delete(ctx context.Context, channelID string, id msgid.ID) error
	AddReaction(ctx context.Context, channelID string, id msgid.ID, userID, emoji string) error
	RemoveReaction(ctx context.Context, channelID string, id msgid.ID, userID, emoji string) error
}

// ReadStateStore persists per-user per-channel read cursors.
type ReadStateStore interface {
	// Advance moves the cursor forward and resets the mention counter. It
	// returns false without touching anything when id is not newer than the
	// stored cursor.
	Advance(ctx context.Context, userID, channelID string, id msgid.ID) (bool, error)
	Cursor(ctx context.Context, userID, channelID string) (wire.ReadState, error)
	IncrementMention(ctx context.Context, userID, channelID string) error
}

// MembershipResolver answers authorization and room-membership questions.
// Membership itself is owned by the CRUD plane; this is a read path.
type MembershipResolver interface {
	// CanAccess reports whether userID may subscribe to and act in room.
	CanAccess(ctx context.Context, userID, room string) (bool, error)
	// CanModerate reports whether userID may delete other users' messages in
	// the channel.
	CanModerate(ctx context.Context, userID, channelID string) (bool, error)
	// RoomsOf lists the rooms a user's sessions join at connect time.
	RoomsOf(ctx context.Context, userID string) ([]string, error)
	// FollowerRooms lists the rooms that observe a user's presence.
	FollowerRooms(ctx context.Context, userID string) ([]string, error)
	// UserIDByName resolves a mention handle to a user id.
	UserIDByName(ctx context.Context, username string) (string, error)
	// MembersOf lists the user ids with access to a channel.
	MembersOf(ctx context.Context, channelID string) ([]string, error)
}
