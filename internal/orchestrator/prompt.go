package orchestrator

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/intake-agent/internal/completion"
	"github.com/capitalize-ai/intake-agent/internal/llm"
	"github.com/capitalize-ai/intake-agent/internal/model"
)

// Prompt is everything the provider needs for one reply.
type Prompt struct {
	System   string
	Messages []llm.ChatMessage
	Plan     *llm.TurnPlan
}

// BuildPrompt assembles the system prompt, chat history and turn plan.
// collected lists the fields captured from the newest visitor message.
func BuildPrompt(schema *model.Schema, session *model.Session, history []model.Message, collected []string, historyLimit int) Prompt {
	ev := completion.Evaluate(session.Extracted, schema.Fields)
	plan := NewPlan(schema, ev.Next, collected)

	return Prompt{
		System:   systemPrompt(schema, session, ev.Next),
		Messages: ChatHistory(history, historyLimit),
		Plan:     plan,
	}
}

// NewPlan builds the structured reply plan. next is nil once every required
// field is collected.
func NewPlan(schema *model.Schema, next *model.FieldDefinition, collected []string) *llm.TurnPlan {
	plan := &llm.TurnPlan{
		AgentName: schema.Persona.Name,
		Tone:      string(schema.Persona.Tone.Normalize()),
		Collected: collected,
	}
	if next != nil {
		plan.Target = &llm.FieldAsk{
			ID:          next.ID,
			Label:       next.Label,
			Type:        string(next.Type),
			Options:     next.Options,
			HelpText:    next.HelpText,
			Placeholder: next.Placeholder,
		}
	}
	return plan
}

// Greeting returns the agent's opening line for a fresh session.
func Greeting(schema *model.Schema) string {
	next, _ := completion.NextRequiredField(map[string]model.ExtractedField{}, schema.Fields)
	var target *model.FieldDefinition
	if next.ID != "" {
		target = &next
	}

	plan := NewPlan(schema, target, nil)
	plan.Greeting = schema.Greeting
	return llm.Render(plan)
}

// ChatHistory maps the transcript to provider turns, keeping the newest limit
// entries. System messages are not sent.
func ChatHistory(history []model.Message, limit int) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case model.RoleVisitor:
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: m.Content})
		case model.RoleAgent:
			if m.Content == "" {
				continue
			}
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func systemPrompt(schema *model.Schema, session *model.Session, next *model.FieldDefinition) string {
	var b strings.Builder

	persona := schema.Persona
	name := persona.Name
	if name == "" {
		name = "an intake assistant"
	}
	fmt.Fprintf(&b, "You are %s", name)
	if persona.Description != "" {
		fmt.Fprintf(&b, ", %s", persona.Description)
	}
	fmt.Fprintf(&b, ". Speak in a %s tone.\n", persona.Tone.Normalize())

	if schema.Name != "" {
		fmt.Fprintf(&b, "You are collecting information for %q.\n", schema.Name)
	}

	if k := strings.TrimSpace(schema.Knowledge); k != "" {
		b.WriteString("\nBackground knowledge you may use to answer questions:\n")
		b.WriteString(k)
		b.WriteString("\n")
	}

	if len(schema.Fields) > 0 {
		b.WriteString("\nFields to collect:\n")
		for _, f := range schema.Fields {
			req := "optional"
			if f.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "- %s (%s, %s)", f.Label, f.Type, req)
			if len(f.Options) > 0 {
				fmt.Fprintf(&b, " options: %s", strings.Join(f.Options, ", "))
			}
			b.WriteString("\n")
		}
	}

	if len(session.Extracted) > 0 {
		b.WriteString("\nAlready collected:\n")
		for _, f := range schema.Fields {
			v, ok := session.Extracted[f.ID]
			if !ok {
				continue
			}
			value := v.Value
			if f.PII {
				value = "(provided)"
			}
			fmt.Fprintf(&b, "- %s: %s", f.Label, value)
			if !v.Validated {
				b.WriteString(" (looks invalid, ask the visitor to check it)")
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if next == nil {
		b.WriteString("All required information has been collected. Thank the visitor and close the conversation politely.\n")
	} else {
		fmt.Fprintf(&b, "Next, ask the visitor for their %s (%s).", next.Label, next.Type)
		if len(next.Options) > 0 {
			fmt.Fprintf(&b, " Valid options: %s.", strings.Join(next.Options, ", "))
		}
		if next.HelpText != "" {
			fmt.Fprintf(&b, " Hint: %s", next.HelpText)
		}
		b.WriteString("\n")
	}
	b.WriteString("Ask for one thing at a time and keep replies short.")

	return b.String()
}
