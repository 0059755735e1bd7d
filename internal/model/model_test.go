package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestSchemaValidate(t *testing.T) {
	t.Run("empty schema is valid", func(t *testing.T) {
		s := &Schema{ID: "empty"}
		assert.NoError(t, s.Validate())
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		s := &Schema{ID: "s", Fields: []FieldDefinition{
			{ID: "a", Type: FieldTypeText},
			{ID: "a", Type: FieldTypeEmail},
		}}
		assert.ErrorIs(t, s.Validate(), ErrInvalidInput)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		s := &Schema{ID: "s", Fields: []FieldDefinition{{ID: "a", Type: "phone"}}}
		assert.ErrorIs(t, s.Validate(), ErrInvalidInput)
	})

	t.Run("options only on select", func(t *testing.T) {
		s := &Schema{ID: "s", Fields: []FieldDefinition{{ID: "a", Type: FieldTypeText, Options: []string{"x"}}}}
		assert.ErrorIs(t, s.Validate(), ErrInvalidInput)

		s = &Schema{ID: "s", Fields: []FieldDefinition{{ID: "a", Type: FieldTypeSelect}}}
		assert.ErrorIs(t, s.Validate(), ErrInvalidInput)
	})

	t.Run("min max only on number", func(t *testing.T) {
		s := &Schema{ID: "s", Fields: []FieldDefinition{
			{ID: "a", Type: FieldTypeText, Validation: Validation{Min: floatPtr(1)}},
		}}
		assert.ErrorIs(t, s.Validate(), ErrInvalidInput)

		s = &Schema{ID: "s", Fields: []FieldDefinition{
			{ID: "a", Type: FieldTypeNumber, Validation: Validation{Min: floatPtr(5), Max: floatPtr(1)}},
		}}
		assert.ErrorIs(t, s.Validate(), ErrInvalidInput)
	})

	t.Run("bad pattern", func(t *testing.T) {
		s := &Schema{ID: "s", Fields: []FieldDefinition{
			{ID: "a", Type: FieldTypeText, Validation: Validation{Pattern: "("}},
		}}
		assert.ErrorIs(t, s.Validate(), ErrInvalidInput)
	})
}

func TestSessionTransition(t *testing.T) {
	now := time.Now()

	s := &Session{ID: "s1", Status: SessionActive}
	require.NoError(t, s.Transition(SessionCompleted, now))
	assert.Equal(t, SessionCompleted, s.Status)
	require.NotNil(t, s.EndedAt)

	err := s.Transition(SessionError, now)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, SessionCompleted, s.Status)

	abandoned := &Session{ID: "s3", Status: SessionAbandoned}
	assert.ErrorIs(t, abandoned.Transition(SessionAbandoned, now), ErrSessionClosed)

	active := &Session{ID: "s2", Status: SessionActive}
	assert.ErrorIs(t, active.Transition("paused", now), ErrInvalidInput)
}

func TestSessionClone(t *testing.T) {
	s := &Session{ID: "s1", Extracted: map[string]ExtractedField{"email": {FieldID: "email", Value: "a@b.co"}}}
	c := s.Clone()
	c.Extracted["name"] = ExtractedField{FieldID: "name"}

	assert.Len(t, s.Extracted, 1)
	assert.Len(t, c.Extracted, 2)
}
