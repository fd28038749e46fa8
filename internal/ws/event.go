package ws

import (
	"time"

	"github.com/marketchat/internal/model"
)

type EventType string

// Inbound event types (client → server).
const (
	EventJoin        EventType = "join"
	EventEnterChat   EventType = "enter_chat"
	EventLeaveChat   EventType = "leave_chat"
	EventSendMessage EventType = "send_message"
	EventTyping      EventType = "typing"
	EventMarkRead    EventType = "mark_read"
	EventHeartbeat   EventType = "heartbeat"
)

// Outbound event types (server → client). Names and payload shapes are part
// of the client contract; do not rename.
const (
	EventUserStatus       EventType = "user_status"
	EventNewMessage       EventType = "new_message"
	EventMessageSent      EventType = "message_sent"
	EventMessageDelivered EventType = "message_delivered"
	EventMessageRead      EventType = "message_read"
	EventMessagesRead     EventType = "messages_read"
	EventUserTyping       EventType = "user_typing"
	EventAck              EventType = "ack"
	EventError            EventType = "error"
)

// EventRecording travels in both directions: inbound as the client's
// voice-recording indicator, outbound relayed to the other participants.
const EventRecording EventType = "recording_indicator"

// IncomingEvent is what the client sends to the server. Tagged by Type;
// handlers validate the fields their event requires and reject the rest
// with an error event, never a silent drop.
type IncomingEvent struct {
	Type           EventType         `json:"type"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageType    model.MessageType `json:"message_type,omitempty"`
	Content        string            `json:"content,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	IsTyping       bool              `json:"is_typing,omitempty"`
	IsRecording    bool              `json:"is_recording,omitempty"`
}

// OutgoingEvent is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// UserStatusPayload announces an online/offline transition, and replays
// peers' presence after a join.
type UserStatusPayload struct {
	UserID    string    `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessagePayload carries a freshly submitted message to a recipient,
// stamped with that recipient's own delivery status.
type NewMessagePayload struct {
	MessageID      string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	MessageType    model.MessageType   `json:"messageType"`
	Content        string              `json:"content"`
	Timestamp      time.Time           `json:"timestamp"`
	Status         model.MessageStatus `json:"status"`
}

// MessageStatusPayload is the shared shape of message_sent,
// message_delivered and message_read confirmations to the sender.
type MessageStatusPayload struct {
	MessageID      string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	Status         model.MessageStatus `json:"status"`
	Timestamp      time.Time           `json:"timestamp"`
}

// MessagesReadPayload is broadcast when a participant has read a whole
// conversation.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserTypingPayload is relayed to the other participants, never echoed back
// to the typist.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// RecordingPayload relays a voice-recording indicator.
type RecordingPayload struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	IsRecording    bool      `json:"isRecording"`
	Timestamp      time.Time `json:"timestamp"`
}

// AckPayload confirms an inbound event back to its caller.
type AckPayload struct {
	Event          EventType `json:"event"`
	ConversationID string    `json:"conversationId,omitempty"`
}

// ErrorPayload reports a failed inbound event to its caller.
type ErrorPayload struct {
	Error     string `json:"error"`
	MessageID string `json:"messageId,omitempty"`
}
