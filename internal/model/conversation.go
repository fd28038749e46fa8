package model

import "time"

// Conversation connects a buyer and a seller around a product listing.
// Membership is fixed at creation; ProductID is carried opaque for the
// client to render the listing card.
type Conversation struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	// Denormalized preview of the newest message, maintained on every send.
	LastMessageID     string      `json:"last_message_id,omitempty"`
	LastMessageText   string      `json:"last_message_text,omitempty"`
	LastMessageType   MessageType `json:"last_message_type,omitempty"`
	LastMessageSender string      `json:"last_message_sender,omitempty"`
	LastMessageAt     *time.Time  `json:"last_message_at,omitempty"`
}

// Participant is a member row of a conversation with their unread counter.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UnreadCount    int       `json:"unread_count"`
	JoinedAt       time.Time `json:"joined_at"`
}

// ConversationListItem is the shape of one row in the conversation list:
// the conversation, the other participants and the caller's unread count.
type ConversationListItem struct {
	Conversation Conversation `json:"conversation"`
	Participants []UserPublic `json:"participants"`
	UnreadCount  int          `json:"unread_count"`
}
