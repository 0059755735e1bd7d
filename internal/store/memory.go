package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	schemas  map[string]*model.Schema
	sessions map[string]*model.Session
	messages map[string][]model.Message
	seq      uint64
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schemas:  make(map[string]*model.Schema),
		sessions: make(map[string]*model.Session),
		messages: make(map[string][]model.Message),
	}
}

// PutSchema stores or replaces a schema.
func (m *MemoryStore) PutSchema(ctx context.Context, schema *model.Schema) error {
	c := *schema
	c.Fields = append([]model.FieldDefinition(nil), schema.Fields...)

	m.mu.Lock()
	m.schemas[schema.ID] = &c
	m.mu.Unlock()
	return nil
}

// GetSchema returns a copy of a schema.
func (m *MemoryStore) GetSchema(ctx context.Context, schemaID string) (*model.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schemas[schemaID]
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", schemaID, model.ErrNotFound)
	}
	c := *s
	c.Fields = append([]model.FieldDefinition(nil), s.Fields...)
	return &c, nil
}

// ListSchemas returns all schemas ordered by id.
func (m *MemoryStore) ListSchemas(ctx context.Context) ([]model.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Schema, 0, len(m.schemas))
	for _, s := range m.schemas {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateSession stores a new session.
func (m *MemoryStore) CreateSession(ctx context.Context, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession returns a copy of a session.
func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	return s.Clone(), nil
}

// UpdateSession replaces a stored session.
func (m *MemoryStore) UpdateSession(ctx context.Context, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, model.ErrNotFound)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// AppendMessage appends to a session transcript.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", msg.SessionID, model.ErrNotFound)
	}
	m.seq++
	msg.Sequence = m.seq
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

// ListMessages returns a session transcript in append order.
func (m *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
