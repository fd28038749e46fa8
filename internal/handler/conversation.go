package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
)

type ConversationHandler struct {
	convRepo *repository.ConversationRepository
	userRepo *repository.UserRepository
	msgRepo  *repository.MessageRepository
}

func NewConversationHandler(convRepo *repository.ConversationRepository, userRepo *repository.UserRepository, msgRepo *repository.MessageRepository) *ConversationHandler {
	return &ConversationHandler{convRepo: convRepo, userRepo: userRepo, msgRepo: msgRepo}
}

type CreateConversationRequest struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id,omitempty"`
}

// Create opens a conversation between the caller and another user. With a
// product_id an existing thread for the same listing and pair is reused
// instead of forked.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "cannot create conversation with yourself")
		return
	}

	if req.ProductID != "" {
		existing, err := h.convRepo.FindForProduct(r.Context(), req.ProductID, currentUserID, req.UserID)
		if err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "failed to look up conversation")
			return
		}
	}

	exists, err := h.userRepo.Exists(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	conv := &model.Conversation{
		ID:        uuid.New().String(),
		ProductID: req.ProductID,
		CreatedBy: currentUserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.convRepo.Create(r.Context(), conv, []string{currentUserID, req.UserID}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// List returns the caller's conversations, newest activity first, with the
// other participants and the unread counter per row.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	items, err := h.convRepo.ListForUser(r.Context(), currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Messages returns a page of conversation history, newest first.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")

	ok, err := h.convRepo.IsParticipant(r.Context(), conversationID, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	messages, err := h.msgRepo.GetConversationMessages(r.Context(), conversationID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
