package wire

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/example/chat-sync/pkg/msgid"
)

// MaxFrameBytes caps a single inbound frame. Oversized frames are rejected
// before parsing.
const MaxFrameBytes = 64 * 1024

// Content length bounds for message bodies, in runes.
const (
	MinContentLen = 1
	MaxContentLen = 4000
)

// Frame is the envelope for every event in either direction. ID is a
// client-chosen correlation id echoed back on acks and errors.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

// Client-originated frame types.
const (
	TypeMessageSend    = "message.send"
	TypeMessageEdit    = "message.edit"
	TypeMessageDelete  = "message.delete"
	TypeTypingStart    = "typing.start"
	TypeTypingStop     = "typing.stop"
	TypePresenceUpdate = "presence.update"
	TypeReactionAdd    = "reaction.add"
	TypeReactionRemove = "reaction.remove"
	TypeReadMark       = "read.mark"
	TypeVoiceJoin      = "voice.join"
	TypeVoiceLeave     = "voice.leave"
	TypeVoiceMute      = "voice.mute"
	TypeVoiceDeafen    = "voice.deafen"
)

// Server-originated frame types.
const (
	TypeMessageNew      = "message.new"
	TypeMessageUpdated  = "message.updated"
	TypeMessageDeleted  = "message.deleted"
	TypeTypingUpdate    = "typing.update"
	TypePresenceChanged = "presence.changed"
	TypeMemberJoined    = "member.joined"
	TypeMemberLeft      = "member.left"
	TypeReactionAdded   = "reaction.added"
	TypeReactionRemoved = "reaction.removed"
	TypeChannelCreated  = "channel.created"
	TypeChannelUpdated  = "channel.updated"
	TypeChannelDeleted  = "channel.deleted"
	TypeServerCreated   = "server.created"
	TypeServerUpdated   = "server.updated"
	TypeServerDeleted   = "server.deleted"
	TypeVoiceState      = "voice.state"
	TypeAck             = "ack"
	TypeError           = "error"
)

// Presence statuses a user can report.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDnd     = "dnd"
	StatusOffline = "offline"
)

// ValidStatus reports whether s is a recognized presence status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDnd, StatusOffline:
		return true
	}
	return false
}

// ValidContent reports whether message content is within the accepted length
// bounds.
func ValidContent(content string) bool {
	n := utf8.RuneCountInString(content)
	return n >= MinContentLen && n <= MaxContentLen
}

// Message is the durable chat message record as it travels on the wire.
type Message struct {
	ID          msgid.ID `json:"id"`
	ChannelID   string   `json:"channelId"`
	AuthorID    string   `json:"authorId"`
	Content     string   `json:"content"`
	ReplyTo     msgid.ID `json:"replyTo,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Pinned      bool     `json:"pinned,omitempty"`
	EditedAt    int64    `json:"editedAt,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
}

// SendMessage is the payload of message.send frames.
type SendMessage struct {
	ChannelID   string   `json:"channelId"`
	Content     string   `json:"content"`
	ReplyTo     msgid.ID `json:"replyTo,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// EditMessage is the payload of message.edit frames.
type EditMessage struct {
	ChannelID string   `json:"channelId"`
	MessageID msgid.ID `json:"messageId"`
	Content   string   `json:"content"`
}

// DeleteMessage is the payload of message.delete frames. The broadcast form
// carries only the ids, never the content.
type DeleteMessage struct {
	ChannelID string   `json:"channelId"`
	MessageID msgid.ID `json:"messageId"`
}

// Typing is the payload of typing.start / typing.stop frames.
type Typing struct {
	ChannelID string `json:"channelId"`
}

// TypingUpdate is broadcast to the channel room on typing transitions.
type TypingUpdate struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Typing    bool   `json:"typing"`
}

// PresenceUpdate is the payload of presence.update frames.
type PresenceUpdate struct {
	Status string `json:"status"`
}

// PresenceChanged is broadcast to a user's follower rooms on each logical
// status transition.
type PresenceChanged struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Reaction is the payload of reaction.add / reaction.remove frames and of
// the corresponding broadcasts.
type Reaction struct {
	ChannelID string   `json:"channelId"`
	MessageID msgid.ID `json:"messageId"`
	UserID    string   `json:"userId,omitempty"`
	Emoji     string   `json:"emoji"`
}

// MarkRead is the payload of read.mark frames. Read cursors are private;
// there is no broadcast form.
type MarkRead struct {
	ChannelID string   `json:"channelId"`
	MessageID msgid.ID `json:"messageId"`
}

// ReadState is the per-user per-channel cursor returned on acks.
type ReadState struct {
	ChannelID    string   `json:"channelId"`
	LastReadID   msgid.ID `json:"lastReadId"`
	MentionCount int      `json:"mentionCount"`
}

// VoiceState is the payload of voice.* frames; the server validates and
// forwards it to the channel room (the media path lives elsewhere).
type VoiceState struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId,omitempty"`
	Action    string `json:"action"`
	Muted     bool   `json:"muted,omitempty"`
	Deafened  bool   `json:"deafened,omitempty"`
}

// ErrorInfo is the payload of error frames.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckInfo is the payload of ack frames for accepted writes.
type AckInfo struct {
	MessageID msgid.ID `json:"messageId,omitempty"`
}
