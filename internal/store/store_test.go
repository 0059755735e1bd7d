package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("schemas", func(t *testing.T) { testSchemas(t, newStore(t)) })
			t.Run("sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
			t.Run("messages", func(t *testing.T) { testMessages(t, newStore(t)) })
		})
	}
}

func testSchemas(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetSchema(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	schema := &model.Schema{
		ID:   "lead",
		Name: "Lead capture",
		Fields: []model.FieldDefinition{
			{ID: "email", Label: "Email", Type: model.FieldTypeEmail, Required: true},
		},
		Persona: model.Persona{Name: "Ava", Tone: model.ToneFriendly},
	}
	require.NoError(t, s.PutSchema(ctx, schema))

	schema.Name = "Lead capture v2"
	require.NoError(t, s.PutSchema(ctx, schema))

	got, err := s.GetSchema(ctx, "lead")
	require.NoError(t, err)
	assert.Equal(t, "Lead capture v2", got.Name)
	assert.Equal(t, schema.Fields, got.Fields)

	all, err := s.ListSchemas(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testSessions(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	session := &model.Session{
		ID:        "s1",
		SchemaID:  "lead",
		Status:    model.SessionActive,
		Extracted: map[string]model.ExtractedField{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(ctx, session))

	session.Extracted["email"] = model.ExtractedField{FieldID: "email", Value: "a@b.co", Confidence: 95, ExtractedAt: now}
	session.CompletionRate = 100
	require.NoError(t, session.Transition(model.SessionCompleted, now))
	require.NoError(t, s.UpdateSession(ctx, session))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
	assert.Equal(t, 100, got.CompletionRate)
	assert.Equal(t, "a@b.co", got.Extracted["email"].Value)
	require.NotNil(t, got.EndedAt)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = s.UpdateSession(ctx, &model.Session{ID: "nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testMessages(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, &model.Session{
		ID: "s1", SchemaID: "lead", Status: model.SessionActive, CreatedAt: now, UpdatedAt: now,
	}))

	first := &model.Message{ID: "m1", SessionID: "s1", Role: model.RoleVisitor, Content: "hello", Timestamp: now, ValidationState: model.ValidationPending}
	second := &model.Message{ID: "m2", SessionID: "s1", Role: model.RoleAgent, Content: "hi", Timestamp: now, Partial: true}
	require.NoError(t, s.AppendMessage(ctx, first))
	require.NoError(t, s.AppendMessage(ctx, second))
	assert.Less(t, first.Sequence, second.Sequence)

	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, model.ValidationPending, msgs[0].ValidationState)
	assert.True(t, msgs[1].Partial)

	empty, err := s.ListMessages(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
