// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// VisitorKeyKey is the context key for the visitor key.
	VisitorKeyKey ContextKey = "visitor_key"

	// VisitorHeader carries a caller-chosen visitor identifier.
	VisitorHeader = "X-Visitor-Key"
)

// Visitor resolves the visitor key from the X-Visitor-Key header, falling
// back to the client IP. The key scopes session admission; it is not an
// identity and is never verified.
func Visitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(VisitorHeader))
		if key == "" || ValidateVisitorKey(key) != nil {
			key = "ip:" + clientIP(r)
		}
		ctx := context.WithValue(r.Context(), VisitorKeyKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetVisitorKey gets the visitor key from context.
func GetVisitorKey(ctx context.Context) string {
	if v, ok := ctx.Value(VisitorKeyKey).(string); ok {
		return v
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
