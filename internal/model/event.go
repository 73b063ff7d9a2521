package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeError     EventType = "error"
	EventTypeCancel    EventType = "cancel"
	EventTypeEdit      EventType = "edit"
	EventTypeTruncate  EventType = "truncate"
	EventTypeCompleted EventType = "completed"
)

// HeartbeatEvent keeps idle SSE connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ConversationEvent represents a lifecycle event in a conversation. Events
// are appended to the durable history log alongside finalized messages.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}
