// Package wire defines the event protocol spoken between chat clients and
// the sync service: room addressing, frame envelopes, and payload schemas.
package wire

import (
	"fmt"
	"strings"
)

// RoomKind identifies what entity a room fans out for.
type RoomKind string

const (
	RoomUser    RoomKind = "user"
	RoomServer  RoomKind = "server"
	RoomChannel RoomKind = "channel"
)

// UserRoom returns the room key for a user's targeted notifications.
func UserRoom(userID string) string { return string(RoomUser) + ":" + userID }

// ServerRoom returns the room key for server-wide membership events.
func ServerRoom(serverID string) string { return string(RoomServer) + ":" + serverID }

// ChannelRoom returns the room key carrying a channel's message and typing
// traffic.
func ChannelRoom(channelID string) string { return string(RoomChannel) + ":" + channelID }

// ParseRoom splits a room key into kind and entity id.
func ParseRoom(key string) (RoomKind, string, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed room key %q", key)
	}
	switch RoomKind(kind) {
	case RoomUser, RoomServer, RoomChannel:
		return RoomKind(kind), id, nil
	}
	return "", "", fmt.Errorf("unknown room kind %q", kind)
}
