package model

import "errors"

var (
	// ErrInvalidInput marks malformed schemas or requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks unknown schemas, sessions or fields.
	ErrNotFound = errors.New("not found")

	// ErrSessionClosed marks a request against a completed, abandoned or failed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrRateLimited marks an exhausted admission window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAbusive marks a visitor flagged by the abuse heuristic.
	ErrAbusive = errors.New("abusive traffic")

	// ErrTurnInProgress marks a turn rejected because another is still running.
	ErrTurnInProgress = errors.New("turn in progress")

	// ErrProvider marks a failure of the text-generation provider.
	ErrProvider = errors.New("provider failure")
)
