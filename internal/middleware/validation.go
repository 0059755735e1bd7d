package middleware

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLength bounds a single visitor message in bytes.
const MaxContentLength = 10000

// ids double as NATS KV keys, so they stay within its key alphabet
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateSessionID validates a session ID.
func ValidateSessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid session ID format")
	}
	return nil
}

// ValidateSchemaID validates a schema ID.
func ValidateSchemaID(id string) error {
	if !slugPattern.MatchString(id) {
		return errors.New("invalid schema ID format")
	}
	return nil
}

// ValidateFieldID validates a field ID.
func ValidateFieldID(id string) error {
	if !slugPattern.MatchString(id) {
		return errors.New("invalid field ID format")
	}
	return nil
}

// ValidateVisitorKey validates a visitor key.
func ValidateVisitorKey(key string) error {
	if len(key) == 0 {
		return errors.New("visitor key cannot be empty")
	}
	if len(key) > 128 {
		return errors.New("visitor key exceeds maximum length")
	}
	if !utf8.ValidString(key) {
		return errors.New("visitor key must be valid UTF-8")
	}
	return nil
}
