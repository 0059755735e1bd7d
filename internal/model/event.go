package model

import (
	"time"
)

// EventType represents the type of session event.
type EventType string

const (
	EventTypeCompleted EventType = "completed"
	EventTypeAbandoned EventType = "abandoned"
	EventTypeError     EventType = "error"
	EventTypeCancel    EventType = "cancel"
	EventTypeRateLimit EventType = "rate_limit"
	EventTypeAbuse     EventType = "abuse"
)

// SessionEvent represents a lifecycle event in a session.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	SchemaID  string         `json:"schema_id"`
	Type      EventType      `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Sequence  uint64         `json:"sequence,omitempty"`
}
