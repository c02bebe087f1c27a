package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/example/chat-sync/pkg/msgid"
	"github.com/example/chat-sync/pkg/wire"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type historyResponse struct {
	Messages []*wire.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

// handleHistory serves message backfill for reconnecting clients:
// GET /history?channel=<id>&before=<msgid>&limit=<n>, newest first.
func (sv *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	id, err := sv.auth.Validate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	ok, err := sv.members.CanAccess(r.Context(), id.UserID, wire.ChannelRoom(channelID))
	if err != nil {
		slog.Error("history access check failed", "user", id.UserID, "channel", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not a member of this channel", http.StatusForbidden)
		return
	}

	var before msgid.ID
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = msgid.Parse(v)
		if err != nil {
			http.Error(w, "malformed before cursor", http.StatusBadRequest)
			return
		}
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			http.Error(w, "malformed limit", http.StatusBadRequest)
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}

	// Fetch one extra row to learn whether older messages remain.
	messages, err := sv.engine.store.List(r.Context(), channelID, before, limit+1)
	if err != nil {
		slog.Error("history query failed", "channel", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := historyResponse{Messages: messages}
	if len(messages) > limit {
		resp.Messages = messages[:limit]
		resp.HasMore = true
	}
	if resp.Messages == nil {
		resp.Messages = []*wire.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("history encode failed", "error", err)
	}
}
