package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIRequestDefaults(t *testing.T) {
	c := &OpenAIClient{}
	req := c.request(&CompletionRequest{
		System:   "You are Ava.",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})

	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, 1024, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
}
