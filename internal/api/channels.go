package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"harbor/internal/constants"
	"harbor/internal/db"
)

type ChannelHandler struct {
	channelRepo *db.ChannelRepository
	messageRepo *db.MessageRepository
}

func NewChannelHandler(channelRepo *db.ChannelRepository, messageRepo *db.MessageRepository) *ChannelHandler {
	return &ChannelHandler{channelRepo: channelRepo, messageRepo: messageRepo}
}

func (h *ChannelHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channelRepo.FindAll()
	if err != nil {
		slog.Error("listing channels", "component", "api", "error", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// GetHistory pages a channel's messages backwards from an optional cursor.
func (h *ChannelHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	ok, err := h.channelRepo.CanAccess(GetUserID(r), channelID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("channel access check", "component", "api", "channel_id", channelID, "error", err)
		internalError(w)
		return
	}
	if err != nil || !ok {
		notFound(w, "Channel not found")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			badRequest(w, "Invalid limit")
			return
		}
		limit = parsed
	}
	if limit > constants.MessageHistoryMaxLimit {
		limit = constants.MessageHistoryMaxLimit
	}

	messages, err := h.messageRepo.GetHistory(channelID, r.URL.Query().Get("before"), limit)
	if err != nil {
		slog.Error("fetching message history", "component", "api", "channel_id", channelID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
