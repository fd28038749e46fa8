package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/presence"
	"github.com/marketchat/internal/repository"
)

// UserHandler serves identity reads and the identity sync endpoint. The
// marketplace user service owns accounts; Sync keeps the local mirror fresh
// so conversation lists can render names and avatars.
type UserHandler struct {
	userRepo *repository.UserRepository
	pres     presence.Store
}

func NewUserHandler(userRepo *repository.UserRepository, pres presence.Store) *UserHandler {
	return &UserHandler{userRepo: userRepo, pres: pres}
}

type SyncUserRequest struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// Sync upserts the identity mirror row for a user.
func (h *UserHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ID == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "id and username required")
		return
	}
	u := &model.User{
		ID:        req.ID,
		Username:  req.Username,
		AvatarURL: req.AvatarURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.userRepo.Upsert(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sync user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get returns a user's public profile with live presence overlaid: the
// presence store, not the mirror column, answers "online right now".
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	u, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	pub := u.ToPublic()
	if rec, err := h.pres.Get(r.Context(), userID); err == nil {
		pub.IsOnline = rec.IsOnline
		if !rec.LastSeen.IsZero() {
			pub.LastSeenAt = rec.LastSeen
		}
	}
	writeJSON(w, http.StatusOK, pub)
}

// Me returns the caller's own profile.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
