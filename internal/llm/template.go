package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TemplateClient renders deterministic, tone-templated replies from the
// request's TurnPlan. It is used when no model provider is configured.
type TemplateClient struct {
	// ChunkDelay paces the streamed words. Zero streams without pausing.
	ChunkDelay time.Duration
}

// NewTemplateClient creates a template client.
func NewTemplateClient() *TemplateClient {
	return &TemplateClient{}
}

// Name returns the provider name.
func (c *TemplateClient) Name() string {
	return string(ProviderTemplate)
}

// Models returns available models.
func (c *TemplateClient) Models() []string {
	return []string{"template"}
}

// Complete renders the reply in one piece.
func (c *TemplateClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	content := Render(req.Plan)
	return &CompletionResponse{
		Content:    content,
		Model:      "template",
		TokensOut:  len(strings.Fields(content)),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream streams the rendered reply word by word.
func (c *TemplateClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()
	content := Render(req.Plan)

	for i, chunk := range SplitWords(content) {
		if c.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.ChunkDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := callback(chunk, i); err != nil {
			return nil, err
		}
	}

	return &CompletionResponse{
		Content:    content,
		Model:      "template",
		TokensOut:  len(strings.Fields(content)),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// SplitWords splits s into chunks that concatenate back to s, each ending
// after a run of spaces.
func SplitWords(s string) []string {
	var chunks []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' && (i+1 == len(s) || s[i+1] != ' ') {
			chunks = append(chunks, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		chunks = append(chunks, s[start:])
	}
	return chunks
}

type phrasing struct {
	ack     string
	ask     string
	options string
	closing string
	opener  string
}

var phrasings = map[string]phrasing{
	"professional": {
		ack:     "Thank you, I have noted your %s.",
		ask:     "Could you please provide your %s?",
		options: "The available options are: %s.",
		closing: "Thank you, I have everything I need. We will be in touch shortly.",
		opener:  "Hello, I am %s.",
	},
	"friendly": {
		ack:     "Thanks so much, got your %s!",
		ask:     "What's your %s?",
		options: "You can pick from: %s.",
		closing: "Awesome, that's everything! Thanks for chatting with me.",
		opener:  "Hi there, I'm %s!",
	},
	"casual": {
		ack:     "Cool, got your %s.",
		ask:     "What's your %s?",
		options: "Options are: %s.",
		closing: "That's all I need, thanks!",
		opener:  "Hey, %s here.",
	},
	"formal": {
		ack:     "Thank you. Your %s has been recorded.",
		ask:     "Kindly provide your %s.",
		options: "Please select one of the following: %s.",
		closing: "Thank you. All required information has been received.",
		opener:  "Good day. My name is %s.",
	},
}

// Render produces the reply for plan. A nil plan yields a generic prompt.
func Render(plan *TurnPlan) string {
	if plan == nil {
		return "How can I help you today?"
	}

	p, ok := phrasings[plan.Tone]
	if !ok {
		p = phrasings["professional"]
	}

	var parts []string
	if plan.Greeting != "" {
		parts = append(parts, plan.Greeting)
	} else if plan.AgentName != "" && len(plan.Collected) == 0 && plan.Target != nil {
		parts = append(parts, fmt.Sprintf(p.opener, plan.AgentName))
	}

	if len(plan.Collected) > 0 {
		parts = append(parts, fmt.Sprintf(p.ack, joinLabels(plan.Collected)))
	}

	if plan.Target == nil {
		parts = append(parts, p.closing)
		return strings.Join(parts, " ")
	}

	parts = append(parts, fmt.Sprintf(p.ask, strings.ToLower(plan.Target.Label)))
	if len(plan.Target.Options) > 0 {
		parts = append(parts, fmt.Sprintf(p.options, strings.Join(plan.Target.Options, ", ")))
	}
	if plan.Target.HelpText != "" {
		parts = append(parts, plan.Target.HelpText)
	}

	return strings.Join(parts, " ")
}

func joinLabels(labels []string) string {
	lower := make([]string, len(labels))
	for i, l := range labels {
		lower[i] = strings.ToLower(l)
	}
	switch len(lower) {
	case 1:
		return lower[0]
	case 2:
		return lower[0] + " and " + lower[1]
	default:
		return strings.Join(lower[:len(lower)-1], ", ") + " and " + lower[len(lower)-1]
	}
}
