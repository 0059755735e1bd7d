// Package llm provides text-generation provider interfaces and implementations.
package llm

import (
	"context"
	"fmt"
)

// StreamCallback is called for each chunk during streaming. Returning an
// error aborts the stream.
type StreamCallback func(chunk string, index int) error

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64

	// Plan is the structured form of what the system prompt asks for. Model
	// backed clients ignore it; the template client renders from it.
	Plan *TurnPlan
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnPlan describes what the agent should say next.
type TurnPlan struct {
	AgentName string
	Tone      string
	Greeting  string

	// Target is nil once every required field is collected.
	Target *FieldAsk

	// Collected holds labels of values captured during this turn.
	Collected []string
}

// FieldAsk is the field the agent should ask for.
type FieldAsk struct {
	ID          string
	Label       string
	Type        string
	Options     []string
	HelpText    string
	Placeholder string
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for text-generation providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderTemplate  Provider = "template"
)

// NewClient creates a client for provider. The template provider needs no key.
func NewClient(ctx context.Context, provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case ProviderGemini:
		return NewGeminiClient(ctx, apiKey)
	case ProviderTemplate, "":
		return NewTemplateClient(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
