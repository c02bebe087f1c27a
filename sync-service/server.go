package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/chat-sync/pkg/wire"
)

// server ties the sync components together and owns frame dispatch.
type server struct {
	registry *registry
	router   *router
	presence *presenceTracker
	typing   *typingCoordinator
	engine   *engine
	members  MembershipResolver
	auth     tokenValidator
}

// connect registers a freshly authenticated session and subscribes it to all
// rooms its user belongs to.
func (sv *server) connect(ctx context.Context, s *session) error {
	rooms, err := sv.members.RoomsOf(ctx, s.userID)
	if err != nil {
		return transientErr(err, "membership lookup failed")
	}
	sv.registry.register(s)
	for _, room := range rooms {
		sv.router.subscribe(s, room)
	}
	return nil
}

// dispatch handles one inbound frame from s. Errors are reported back on the
// same connection with the frame's correlation id; they never tear the
// connection down.
func (sv *server) dispatch(ctx context.Context, s *session, raw []byte) {
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sv.sendError(s, "", validationErr("malformed frame: %v", err))
		return
	}

	err := sv.handleFrame(ctx, s, frame)
	if err != nil {
		if codeOf(err) == CodeConflict {
			return
		}
		slog.Warn("frame rejected", "user", s.userID, "type", frame.Type, "code", codeOf(err), "error", err)
		sv.sendError(s, frame.ID, err)
	}
}

func (sv *server) handleFrame(ctx context.Context, s *session, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeMessageSend:
		var req wire.SendMessage
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		if err := sv.requireChannel(ctx, s, req.ChannelID); err != nil {
			return err
		}
		msg, err := sv.engine.submit(ctx, req.ChannelID, s.userID, req)
		if err != nil {
			return err
		}
		sv.typing.stop(req.ChannelID, s.userID)
		sv.sendAck(s, frame.ID, wire.AckInfo{MessageID: msg.ID})
		return nil

	case wire.TypeMessageEdit:
		var req wire.EditMessage
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		if err := sv.requireChannel(ctx, s, req.ChannelID); err != nil {
			return err
		}
		msg, err := sv.engine.edit(ctx, s.userID, req)
		if err != nil {
			return err
		}
		sv.sendAck(s, frame.ID, wire.AckInfo{MessageID: msg.ID})
		return nil

	case wire.TypeMessageDelete:
		var req wire.DeleteMessage
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		if err := sv.requireChannel(ctx, s, req.ChannelID); err != nil {
			return err
		}
		if err := sv.engine.delete(ctx, s.userID, req); err != nil {
			return err
		}
		sv.sendAck(s, frame.ID, wire.AckInfo{MessageID: req.MessageID})
		return nil

	case wire.TypeTypingStart, wire.TypeTypingStop:
		var req wire.Typing
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		if err := sv.requireChannel(ctx, s, req.ChannelID); err != nil {
			return err
		}
		if frame.Type == wire.TypeTypingStart {
			sv.typing.start(req.ChannelID, s.userID)
		} else {
			sv.typing.stop(req.ChannelID, s.userID)
		}
		return nil

	case wire.TypePresenceUpdate:
		var req wire.PresenceUpdate
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		return sv.presence.setStatus(s.userID, req.Status)

	case wire.TypeReactionAdd, wire.TypeReactionRemove:
		var req wire.Reaction
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		if err := sv.requireChannel(ctx, s, req.ChannelID); err != nil {
			return err
		}
		if frame.Type == wire.TypeReactionAdd {
			return sv.engine.addReaction(ctx, s.userID, req)
		}
		return sv.engine.removeReaction(ctx, s.userID, req)

	case wire.TypeReadMark:
		var req wire.MarkRead
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		if err := sv.requireChannel(ctx, s, req.ChannelID); err != nil {
			return err
		}
		return sv.engine.markRead(ctx, s.userID, req)

	case wire.TypeVoiceJoin, wire.TypeVoiceLeave, wire.TypeVoiceMute, wire.TypeVoiceDeafen:
		var req wire.VoiceState
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return validationErr("malformed %s payload: %v", frame.Type, err)
		}
		if err := sv.requireChannel(ctx, s, req.ChannelID); err != nil {
			return err
		}
		req.UserID = s.userID
		req.Action = frame.Type
		sv.router.broadcast(wire.ChannelRoom(req.ChannelID), wire.TypeVoiceState, req, nil)
		return nil

	default:
		return validationErr("unknown frame type %q", frame.Type)
	}
}

// requireChannel enforces that s may act in channelID. Sessions joined all
// their channel rooms at connect, so the router answers most checks without
// touching the resolver; the resolver covers rooms granted after connect.
func (sv *server) requireChannel(ctx context.Context, s *session, channelID string) error {
	if channelID == "" {
		return validationErr("channelId must not be empty")
	}
	room := wire.ChannelRoom(channelID)
	if sv.router.subscribed(s, room) {
		return nil
	}
	ok, err := sv.members.CanAccess(ctx, s.userID, room)
	if err != nil {
		return transientErr(err, "access check failed")
	}
	if !ok {
		return forbiddenErr("not a member of this channel")
	}
	sv.router.subscribe(s, room)
	return nil
}

func (sv *server) sendAck(s *session, id string, info wire.AckInfo) {
	sv.sendFrame(s, wire.Frame{Type: wire.TypeAck, ID: id}, info)
}

func (sv *server) sendError(s *session, id string, err error) {
	sv.sendFrame(s, wire.Frame{Type: wire.TypeError, ID: id}, wire.ErrorInfo{
		Code:    string(codeOf(err)),
		Message: clientMessage(err),
	})
}

func (sv *server) sendFrame(s *session, frame wire.Frame, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("frame payload marshal failed", "type", frame.Type, "error", err)
		return
	}
	frame.Data = data
	frame.Ts = time.Now().UnixMilli()
	out, err := json.Marshal(frame)
	if err != nil {
		slog.Error("frame marshal failed", "type", frame.Type, "error", err)
		return
	}
	s.enqueue(out)
}

// announcePresence pushes one presence transition to every follower room and
// the collaborator pipeline. Wired as the presence tracker's announce hook.
func (sv *server) announcePresence(userID, status string) {
	ctx := context.Background()
	rooms, err := sv.members.FollowerRooms(ctx, userID)
	if err != nil {
		slog.Warn("follower room lookup failed", "user", userID, "error", err)
		rooms = []string{wire.UserRoom(userID)}
	}
	payload := wire.PresenceChanged{UserID: userID, Status: status}
	for _, room := range rooms {
		sv.router.broadcast(room, wire.TypePresenceChanged, payload, nil)
	}
	sv.engine.pipeline(ctx, "presence.changed", payload)
}

// announceTyping broadcasts a typing transition to the channel room. Wired as
// the typing coordinator's broadcast hook.
func (sv *server) announceTyping(channelID, userID string, typing bool) {
	sv.router.broadcast(wire.ChannelRoom(channelID), wire.TypeTypingUpdate,
		wire.TypingUpdate{ChannelID: channelID, UserID: userID, Typing: typing}, nil)
}

// handleControl applies one event from the CRUD plane: fan the event out to
// its room and adjust live subscriptions when membership changed.
func (sv *server) handleControl(ctx context.Context, ev controlEvent) error {
	if ev.Room == "" || ev.Type == "" {
		return fmt.Errorf("control event missing room or type")
	}
	if _, _, err := wire.ParseRoom(ev.Room); err != nil {
		return fmt.Errorf("control event: %w", err)
	}

	switch ev.Type {
	case wire.TypeMemberJoined:
		for _, s := range sv.registry.sessionsOf(ev.UserID) {
			sv.router.subscribe(s, ev.Room)
		}
		sv.router.broadcast(ev.Room, ev.Type, ev.Data, nil)
	case wire.TypeMemberLeft:
		sv.router.broadcast(ev.Room, ev.Type, ev.Data, nil)
		for _, s := range sv.registry.sessionsOf(ev.UserID) {
			sv.router.unsubscribe(s, ev.Room)
		}
	case wire.TypeChannelDeleted, wire.TypeServerDeleted:
		sv.router.broadcast(ev.Room, ev.Type, ev.Data, nil)
		sv.router.dropRoom(ev.Room)
	default:
		sv.router.broadcast(ev.Room, ev.Type, ev.Data, nil)
	}
	return nil
}

// controlEvent is the payload published by the CRUD plane on control.>
// subjects.
type controlEvent struct {
	Type   string          `json:"type"`
	Room   string          `json:"room"`
	UserID string          `json:"userId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
