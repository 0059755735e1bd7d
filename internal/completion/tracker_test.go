package completion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

func fields() []model.FieldDefinition {
	return []model.FieldDefinition{
		{ID: "notes", Type: model.FieldTypeText, Order: -1},
		{ID: "phone", Type: model.FieldTypeText, Required: true, Order: 20},
		{ID: "email", Type: model.FieldTypeEmail, Required: true, Order: 0},
		{ID: "name", Type: model.FieldTypeText, Required: true, Order: 7},
	}
}

func TestNextRequiredFieldOrdersByOrder(t *testing.T) {
	next, ok := NextRequiredField(map[string]string{}, fields())
	require.True(t, ok)
	assert.Equal(t, "email", next.ID)

	next, ok = NextRequiredField(map[string]string{"email": "a@b.co"}, fields())
	require.True(t, ok)
	assert.Equal(t, "name", next.ID)

	next, ok = NextRequiredField(map[string]string{"email": "a@b.co", "phone": "1"}, fields())
	require.True(t, ok)
	assert.Equal(t, "name", next.ID)
}

func TestNextRequiredFieldNoneWhenAllPresent(t *testing.T) {
	extracted := map[string]model.ExtractedField{
		"email": {}, "name": {}, "phone": {},
	}
	_, ok := NextRequiredField(extracted, fields())
	assert.False(t, ok)
}

func TestNextRequiredFieldTiesKeepDeclaredOrder(t *testing.T) {
	fs := []model.FieldDefinition{
		{ID: "b", Required: true, Order: 1},
		{ID: "a", Required: true, Order: 1},
	}
	next, ok := NextRequiredField(map[string]string{}, fs)
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)
}

func TestCompletionRate(t *testing.T) {
	assert.Equal(t, 0, CompletionRate(map[string]string{}, fields()))
	assert.Equal(t, 33, CompletionRate(map[string]string{"email": "x", "notes": "y"}, fields()))
	assert.Equal(t, 67, CompletionRate(map[string]string{"email": "x", "name": "y"}, fields()))
	assert.Equal(t, 100, CompletionRate(map[string]string{}, nil))
}

func TestEvaluateEmptySchemaIsComplete(t *testing.T) {
	ev := Evaluate(map[string]string{}, nil)
	assert.True(t, ev.Complete)
	assert.Nil(t, ev.Next)
	assert.Equal(t, 100, ev.Rate)
}

func TestApplyTransitionsOnce(t *testing.T) {
	now := time.Now()
	s := &model.Session{ID: "s1", Status: model.SessionActive}

	changed, err := Apply(s, Evaluation{Rate: 50}, now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.SessionActive, s.Status)

	changed, err = Apply(s, Evaluation{Rate: 100, Complete: true}, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.SessionCompleted, s.Status)

	changed, err = Apply(s, Evaluation{Rate: 100, Complete: true}, now)
	require.NoError(t, err)
	assert.False(t, changed)
}
