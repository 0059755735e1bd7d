package model

import "time"

// PartialReply is one emission of a streamed agent reply. ContentSoFar only
// ever grows; the last emission of a completed turn has Done set.
type PartialReply struct {
	ContentSoFar    string                    `json:"content_so_far"`
	Done            bool                      `json:"done"`
	ExtractedFields map[string]ExtractedField `json:"extracted_fields,omitempty"`
	CompletionRate  int                       `json:"completion_rate,omitempty"`
	Status          SessionStatus             `json:"status,omitempty"`
}

// ValidationResult is the outcome of validating one value.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateValueRequest asks for a live validation preview.
type ValidateValueRequest struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// RateLimitResult is the outcome of an admission check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

// AbuseResult is the outcome of the abuse heuristic.
type AbuseResult struct {
	Abusive bool   `json:"abusive"`
	Reason  string `json:"reason,omitempty"`
}
