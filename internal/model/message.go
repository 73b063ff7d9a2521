// Package model defines data structures for the assistant gateway.
package model

import (
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSystem is used only for prompt injection on the wire; system
	// entries are never persisted as conversational turns.
	RoleSystem Role = "system"
)

// Attachment is a reference to an already-uploaded file.
type Attachment struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MIMEType  string `json:"mime_type"`
	URL       string `json:"url"`
	StorageID string `json:"storage_id"`
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MIMEType, "image/")
}

// MessageMeta carries derived and transient message flags.
type MessageMeta struct {
	// Model is the model that produced an assistant turn.
	Model string `json:"model,omitempty"`

	// Streaming is true only while content is still growing. A message
	// with Streaming set is never written to durable history.
	Streaming bool `json:"streaming,omitempty"`

	// Edited is set when the content has been replaced through an edit.
	Edited bool `json:"edited,omitempty"`

	// OriginalContent preserves the pre-edit text. Set on the first edit
	// only; later edits leave it untouched.
	OriginalContent string `json:"original_content,omitempty"`

	// Error carries the failure detail for a synthetic assistant message
	// produced after a transport failure. Empty on normal replies.
	Error string `json:"error,omitempty"`
}

// Message represents one conversational turn.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Meta           MessageMeta  `json:"meta,omitempty"`

	// Sequence is the JetStream sequence, populated on read from the
	// durable history log.
	Sequence uint64 `json:"sequence,omitempty"`
}

// SendMessageRequest is the request to send a new user turn.
type SendMessageRequest struct {
	Content     string       `json:"content"`
	Model       string       `json:"model,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EditMessageRequest is the request to edit a user turn and regenerate.
type EditMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
	StreamActive bool      `json:"stream_active"`
}

// TokenEvent represents a streaming token event on the SSE surface.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// MessageCompleteEvent represents a finalized assistant message.
type MessageCompleteEvent struct {
	Message  Message `json:"message"`
	Sequence uint64  `json:"sequence"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
