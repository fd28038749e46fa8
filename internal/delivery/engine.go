// Package delivery owns the message status state machine. A message is
// persisted as sent, each recipient's receipt then moves sent→delivered→read
// and never regresses. Recipients who are actively viewing the conversation
// at submit time skip straight to read in the same transaction, so the
// sender never sees a delivered-then-read flicker for them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
)

// Directory resolves conversations and their participant sets. Membership is
// re-verified here on every submit and mark-read; the engine never trusts a
// cached membership result for authorization.
type Directory interface {
	Exists(ctx context.Context, conversationID string) (bool, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
}

// MessageStore persists messages and receipt transitions atomically.
// Implemented by repository.MessageRepository.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message, recipients []string, readBy map[string]bool) error
	MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, recipientID string) ([]string, error)
}

// Viewer answers "is this user looking at this conversation right now".
// Implemented by activeview.Tracker.
type Viewer interface {
	IsActive(userID, conversationID string) bool
}

// RecipientStatus is the effective per-recipient status of a freshly
// submitted message: read for active viewers, sent for everyone else.
type RecipientStatus struct {
	UserID string
	Status model.MessageStatus
}

// Result is what Submit hands back to the router for fan-out.
type Result struct {
	Message    *model.Message
	Recipients []RecipientStatus
}

type Engine struct {
	directory Directory
	store     MessageStore
	viewer    Viewer
}

func NewEngine(directory Directory, store MessageStore, viewer Viewer) *Engine {
	return &Engine{directory: directory, store: store, viewer: viewer}
}

// Submit validates the sender's membership against the authoritative
// directory, persists the message with one receipt per recipient and
// computes each recipient's effective status. Active viewers get read
// immediately and their unread counter stays put; everyone else starts at
// sent with unread incremented, all within one transaction.
func (e *Engine) Submit(ctx context.Context, conversationID, senderID string, msgType model.MessageType, content string) (*Result, error) {
	defer logger.DeferLogDuration("delivery.Submit", time.Now())()
	if conversationID == "" || senderID == "" || content == "" || !model.ValidMessageType(msgType) {
		return nil, ErrInvalidPayload
	}
	if err := e.authorize(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	participants, err := e.directory.ParticipantIDs(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delivery.Submit participants: %w", err)
	}

	recipients := make([]string, 0, len(participants)-1)
	readBy := make(map[string]bool, len(participants)-1)
	for _, uid := range participants {
		if uid == senderID {
			continue
		}
		recipients = append(recipients, uid)
		if e.viewer.IsActive(uid, conversationID) {
			readBy[uid] = true
		}
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           msgType,
		Content:        content,
		Status:         model.MessageStatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.Create(ctx, m, recipients, readBy); err != nil {
		return nil, fmt.Errorf("delivery.Submit persist: %w", err)
	}

	res := &Result{Message: m, Recipients: make([]RecipientStatus, 0, len(recipients))}
	for _, uid := range recipients {
		status := model.MessageStatusSent
		if readBy[uid] {
			status = model.MessageStatusRead
		}
		res.Recipients = append(res.Recipients, RecipientStatus{UserID: uid, Status: status})
	}
	return res, nil
}

// MarkDelivered transitions one receipt sent→delivered. Reports false when
// the receipt is already at or past delivered; that is a no-op, not an
// error, per the monotonic lifecycle.
func (e *Engine) MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error) {
	defer logger.DeferLogDuration("delivery.MarkDelivered", time.Now())()
	if messageID == "" || recipientID == "" {
		return false, ErrInvalidPayload
	}
	changed, err := e.store.MarkDelivered(ctx, messageID, recipientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("delivery.MarkDelivered: %w", err)
	}
	return changed, nil
}

// MarkRead is the explicit "I have read this conversation" signal: it is
// always honored (unlike the instant-read shortcut, which is conditional on
// active-view state). Every message not sent by the recipient moves to read
// and their unread counter drops to zero. Returns the ids of messages whose
// receipt actually changed.
func (e *Engine) MarkRead(ctx context.Context, conversationID, recipientID string) ([]string, error) {
	defer logger.DeferLogDuration("delivery.MarkRead", time.Now())()
	if conversationID == "" || recipientID == "" {
		return nil, ErrInvalidPayload
	}
	if err := e.authorize(ctx, conversationID, recipientID); err != nil {
		return nil, err
	}
	changed, err := e.store.MarkConversationRead(ctx, conversationID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("delivery.MarkRead: %w", err)
	}
	return changed, nil
}

// authorize re-checks existence and membership against the authoritative
// directory.
func (e *Engine) authorize(ctx context.Context, conversationID, userID string) error {
	exists, err := e.directory.Exists(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("delivery: exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	member, err := e.directory.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delivery: membership: %w", err)
	}
	if !member {
		return ErrUnauthorized
	}
	return nil
}
