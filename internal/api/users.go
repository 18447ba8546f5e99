package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"harbor/internal/db"
	"harbor/internal/ws"
)

type UserHandler struct {
	userRepo *db.UserRepository
	hub      *ws.Hub
}

func NewUserHandler(userRepo *db.UserRepository, hub *ws.Hub) *UserHandler {
	return &UserHandler{userRepo: userRepo, hub: hub}
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.userRepo.FindByID(GetUserID(r))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(w, "User not found")
			return
		}
		slog.Error("loading user", "component", "api", "error", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateMeRequest struct {
	AvatarURL *string `json:"avatarUrl"`
}

// UpdateMe persists a profile change and pushes the refreshed snapshot to
// the gateway so open sessions see it immediately.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateMeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	userID := GetUserID(r)
	if req.AvatarURL != nil {
		var avatarURL *string
		if *req.AvatarURL != "" {
			avatarURL = req.AvatarURL
		}
		if err := h.userRepo.UpdateAvatarURL(userID, avatarURL); err != nil {
			slog.Error("updating avatar", "component", "api", "error", err)
			internalError(w)
			return
		}
	}

	user, err := h.userRepo.FindByID(userID)
	if err != nil {
		slog.Error("loading user", "component", "api", "error", err)
		internalError(w)
		return
	}

	h.hub.NotifyUserUpdated(user)
	writeJSON(w, http.StatusOK, user)
}
