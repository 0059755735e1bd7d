package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// SessionStore persists schemas and sessions in KV buckets and transcripts
// in the intake stream.
type SessionStore struct {
	client   *Client
	streams  *StreamManager
	sessions jetstream.KeyValue
	schemas  jetstream.KeyValue
}

// NewSessionStore ensures the stream and buckets exist.
func NewSessionStore(ctx context.Context, client *Client) (*SessionStore, error) {
	streams := NewStreamManager(client)
	if err := streams.EnsureStream(ctx); err != nil {
		return nil, err
	}

	sessions, err := client.EnsureBucket(ctx, BucketSessions, 0)
	if err != nil {
		return nil, err
	}
	schemas, err := client.EnsureBucket(ctx, BucketSchemas, 0)
	if err != nil {
		return nil, err
	}

	return &SessionStore{
		client:   client,
		streams:  streams,
		sessions: sessions,
		schemas:  schemas,
	}, nil
}

// Streams returns the stream manager backing transcripts.
func (s *SessionStore) Streams() *StreamManager {
	return s.streams
}

// PutSchema stores or replaces a schema.
func (s *SessionStore) PutSchema(ctx context.Context, schema *model.Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if _, err := s.schemas.Put(ctx, schema.ID, data); err != nil {
		return fmt.Errorf("failed to put schema: %w", err)
	}
	return nil
}

// GetSchema retrieves a schema by id.
func (s *SessionStore) GetSchema(ctx context.Context, schemaID string) (*model.Schema, error) {
	entry, err := s.schemas.Get(ctx, schemaID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("schema %s: %w", schemaID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}

	var schema model.Schema
	if err := json.Unmarshal(entry.Value(), &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return &schema, nil
}

// ListSchemas returns all schemas ordered by id.
func (s *SessionStore) ListSchemas(ctx context.Context) ([]model.Schema, error) {
	keys, err := s.schemas.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	sort.Strings(keys)

	out := make([]model.Schema, 0, len(keys))
	for _, key := range keys {
		schema, err := s.GetSchema(ctx, key)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *schema)
	}
	return out, nil
}

// CreateSession stores a new session.
func (s *SessionStore) CreateSession(ctx context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if _, err := s.sessions.Create(ctx, session.ID, data); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	entry, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(entry.Value(), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Extracted == nil {
		session.Extracted = make(map[string]model.ExtractedField)
	}
	return &session, nil
}

// UpdateSession replaces a stored session.
func (s *SessionStore) UpdateSession(ctx context.Context, session *model.Session) error {
	if _, err := s.GetSession(ctx, session.ID); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if _, err := s.sessions.Put(ctx, session.ID, data); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// AppendMessage publishes a message to the session transcript.
func (s *SessionStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	if _, err := s.GetSession(ctx, msg.SessionID); err != nil {
		return err
	}

	seq, err := s.streams.PublishMessage(ctx, msg)
	if err != nil {
		return err
	}
	msg.Sequence = seq
	return nil
}

// ListMessages returns a session transcript in stream order.
func (s *SessionStore) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	return s.streams.GetMessages(ctx, sessionID)
}

// Close drains the underlying connection.
func (s *SessionStore) Close() error {
	s.client.Close()
	return nil
}
