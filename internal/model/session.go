package model

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of an intake session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
	SessionError     SessionStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned || s == SessionError
}

// ExtractedField is the current value held for a field in a session.
type ExtractedField struct {
	FieldID         string    `json:"field_id"`
	Value           string    `json:"value"`
	Confidence      int       `json:"confidence"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	RawValue        string    `json:"raw_value"`
	Validated       bool      `json:"validated"`
	ExtractedAt     time.Time `json:"extracted_at"`
	Manual          bool      `json:"manual,omitempty"`
}

// Session tracks one visitor's progress through a schema.
type Session struct {
	ID             string                    `json:"id"`
	SchemaID       string                    `json:"schema_id"`
	VisitorKey     string                    `json:"visitor_key,omitempty"`
	Status         SessionStatus             `json:"status"`
	CompletionRate int                       `json:"completion_rate"`
	Extracted      map[string]ExtractedField `json:"extracted"`
	ErrorReason    string                    `json:"error_reason,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	EndedAt        *time.Time                `json:"ended_at,omitempty"`
}

// Transition moves the session to status. Only active sessions may move, and
// only to a terminal state; a terminal session rejects every transition,
// including one to its current status.
func (s *Session) Transition(to SessionStatus, at time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrSessionClosed, s.ID, s.Status)
	}
	if !to.Terminal() {
		return fmt.Errorf("%w: cannot move session from %s to %s", ErrInvalidInput, s.Status, to)
	}

	s.Status = to
	s.UpdatedAt = at
	s.EndedAt = &at
	return nil
}

// Values returns the current field values keyed by field id.
func (s *Session) Values() map[string]string {
	out := make(map[string]string, len(s.Extracted))
	for id, f := range s.Extracted {
		out[id] = f.Value
	}
	return out
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Extracted = make(map[string]ExtractedField, len(s.Extracted))
	for k, v := range s.Extracted {
		c.Extracted[k] = v
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CreateSessionRequest is the request to open a session.
type CreateSessionRequest struct {
	SchemaID   string `json:"schema_id"`
	VisitorKey string `json:"visitor_key,omitempty"`
}

// SessionResponse wraps a session with the agent's opening line.
type SessionResponse struct {
	Session  *Session `json:"session"`
	Greeting *Message `json:"greeting,omitempty"`
}

// SubmitFieldRequest is a manual value submission for one field.
type SubmitFieldRequest struct {
	Value string `json:"value"`
}
