// Package extractor pulls candidate field values out of visitor messages.
package extractor

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// Fixed confidence per matcher.
const (
	ConfidenceEmail  = 95
	ConfidenceSelect = 90
	ConfidenceDate   = 85
	ConfidenceNumber = 80
	ConfidenceText   = 70
)

// minTextLength is exclusive: a text answer must be longer than this.
const minTextLength = 5

var (
	emailPattern  = regexp.MustCompile(model.EmailPattern)
	numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)
	datePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})\b`)
)

// Match is a value found in a single message.
type Match struct {
	Value      string
	Raw        string
	Confidence int
}

// Extract scans visitor messages in order and returns the first match for
// every field. Fields are examined concurrently; the result depends only on
// the inputs.
func Extract(messages []model.Message, fields []model.FieldDefinition) map[string]model.ExtractedField {
	visitor := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == model.RoleVisitor {
			visitor = append(visitor, m)
		}
	}

	results := make([]*model.ExtractedField, len(fields))

	var g errgroup.Group
	for i, field := range fields {
		g.Go(func() error {
			results[i] = extractField(visitor, field)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]model.ExtractedField, len(fields))
	for _, r := range results {
		if r != nil {
			out[r.FieldID] = *r
		}
	}
	return out
}

func extractField(messages []model.Message, field model.FieldDefinition) *model.ExtractedField {
	for _, msg := range messages {
		m, ok := MatchField(msg.Content, field)
		if !ok {
			continue
		}
		return &model.ExtractedField{
			FieldID:         field.ID,
			Value:           m.Value,
			Confidence:      m.Confidence,
			SourceMessageID: msg.ID,
			RawValue:        m.Raw,
			ExtractedAt:     msg.Timestamp,
		}
	}
	return nil
}

// MatchField runs the matcher for the field's type against content.
func MatchField(content string, field model.FieldDefinition) (Match, bool) {
	switch field.Type {
	case model.FieldTypeEmail:
		return matchRegexp(emailPattern, content, ConfidenceEmail)
	case model.FieldTypeNumber:
		return matchRegexp(numberPattern, content, ConfidenceNumber)
	case model.FieldTypeDate:
		return matchRegexp(datePattern, content, ConfidenceDate)
	case model.FieldTypeSelect:
		return matchSelect(content, field.Options)
	case model.FieldTypeText:
		return matchText(content, field.Label)
	default:
		// file fields are only resolved by manual submission
		return Match{}, false
	}
}

func matchRegexp(re *regexp.Regexp, content string, confidence int) (Match, bool) {
	v := re.FindString(content)
	if v == "" {
		return Match{}, false
	}
	return Match{Value: v, Raw: v, Confidence: confidence}, true
}

func matchSelect(content string, options []string) (Match, bool) {
	lower := strings.ToLower(content)
	for _, opt := range options {
		needle := strings.ToLower(opt)
		if needle == "" {
			continue
		}
		idx := strings.Index(lower, needle)
		if idx < 0 {
			continue
		}
		raw := opt
		// lowering can change byte lengths outside ASCII
		if len(lower) == len(content) {
			raw = content[idx : idx+len(needle)]
		}
		return Match{Value: opt, Raw: raw, Confidence: ConfidenceSelect}, true
	}
	return Match{}, false
}

func matchText(content, label string) (Match, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Match{}, false
	}
	if len([]rune(trimmed)) > minTextLength || sharesToken(trimmed, label) {
		return Match{Value: trimmed, Raw: trimmed, Confidence: ConfidenceText}, true
	}
	return Match{}, false
}

func sharesToken(content, label string) bool {
	labelTokens := tokenize(label)
	if len(labelTokens) == 0 {
		return false
	}
	for tok := range tokenize(content) {
		if _, ok := labelTokens[tok]; ok {
			return true
		}
	}
	return false
}

func tokenize(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
