package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicParamsUseSystemField(t *testing.T) {
	c := &AnthropicClient{}
	params, model := c.params(&CompletionRequest{
		System: "You are Ava.",
		Messages: []ChatMessage{
			{Role: RoleAssistant, Content: "Hi! What's your email?"},
			{Role: RoleUser, Content: "sam@x.com"},
		},
	})

	assert.Equal(t, defaultAnthropicModel, model)

	system := params.System.Value
	require.Len(t, system, 1)
	assert.Equal(t, "You are Ava.", system[0].Text.Value)

	messages := params.Messages.Value
	require.Len(t, messages, 1)
	assert.EqualValues(t, RoleUser, messages[0].Role.Value)
}

func TestAnthropicTurns(t *testing.T) {
	turns := anthropicTurns([]ChatMessage{
		{Role: RoleAssistant, Content: "greeting"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
	})

	require.Len(t, turns, 2)
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "a\n\nb"}, turns[0])
	assert.Equal(t, RoleAssistant, turns[1].Role)
}
