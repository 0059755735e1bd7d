package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleVisitor Role = "visitor"
	RoleSystem  Role = "system"
)

// ValidationState summarises the validation outcome of the values drawn from
// a visitor message.
type ValidationState string

const (
	ValidationValid   ValidationState = "valid"
	ValidationInvalid ValidationState = "invalid"
	ValidationPending ValidationState = "pending"
)

// Message is one transcript entry. Messages are append-only.
type Message struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Role            Role            `json:"role"`
	Content         string          `json:"content"`
	Timestamp       time.Time       `json:"timestamp"`
	ValidationState ValidationState `json:"validation_state,omitempty"`

	// Partial is set on agent messages whose stream was cut short.
	Partial bool `json:"partial,omitempty"`

	// Sequence is the store position, populated on read.
	Sequence uint64 `json:"sequence,omitempty"`
}

// SendMessageRequest is the request to start a turn.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

// TokenEvent represents a streaming reply update.
type TokenEvent struct {
	Content string `json:"content"`
	Index   int    `json:"index"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
