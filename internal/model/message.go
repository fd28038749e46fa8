package model

import "time"

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeDocument MessageType = "document"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeVoice, MessageTypeDocument:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Rank maps a status to its position in the sent→delivered→read lifecycle.
// Transitions may only move to a higher rank.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 1
}

// Message is one chat message. Content is an opaque payload reference
// (text body or an upload URL); this service never interprets it.
// Status is the sender-facing aggregate: the lowest status across all
// recipients' receipts.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Type           MessageType   `json:"message_type"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	Seq            int64         `json:"seq"`
	CreatedAt      time.Time     `json:"created_at"`
	Sender         *UserPublic   `json:"sender,omitempty"`
}

// Receipt is the per-recipient delivery state of a message. The pair
// (MessageID, RecipientID) is the unit the sent→delivered→read state
// machine runs on; it never regresses.
type Receipt struct {
	MessageID   string        `json:"message_id"`
	RecipientID string        `json:"recipient_id"`
	Status      MessageStatus `json:"status"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
