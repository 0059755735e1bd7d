// Package store persists schemas, sessions and transcripts.
package store

import (
	"context"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// Store is the persistence interface the engine consumes. Implementations
// hold no business logic and return model.ErrNotFound for unknown ids.
type Store interface {
	PutSchema(ctx context.Context, schema *model.Schema) error
	GetSchema(ctx context.Context, schemaID string) (*model.Schema, error)
	ListSchemas(ctx context.Context) ([]model.Schema, error)

	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	UpdateSession(ctx context.Context, session *model.Session) error

	AppendMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)

	Close() error
}
