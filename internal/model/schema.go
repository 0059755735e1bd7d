// Package model defines data structures for the intake engine.
package model

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldType is the kind of value a field collects.
type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeNumber FieldType = "number"
	FieldTypeEmail  FieldType = "email"
	FieldTypeSelect FieldType = "select"
	FieldTypeDate   FieldType = "date"
	FieldTypeFile   FieldType = "file"
)

// EmailPattern is the one email shape both extraction and validation accept.
const EmailPattern = `[\w.-]+@[\w.-]+\.\w+`

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeNumber, FieldTypeEmail, FieldTypeSelect, FieldTypeDate, FieldTypeFile:
		return true
	}
	return false
}

// Validation holds the optional rules attached to a field.
// Min and Max apply to number fields only; Pattern applies to every type.
type Validation struct {
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// FieldDefinition describes one datum the agent collects.
type FieldDefinition struct {
	ID          string     `json:"id" yaml:"id"`
	Label       string     `json:"label" yaml:"label"`
	Type        FieldType  `json:"type" yaml:"type"`
	Required    bool       `json:"required" yaml:"required"`
	Order       int        `json:"order" yaml:"order"`
	Options     []string   `json:"options,omitempty" yaml:"options,omitempty"`
	Validation  Validation `json:"validation,omitempty" yaml:"validation,omitempty"`
	Placeholder string     `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	HelpText    string     `json:"help_text,omitempty" yaml:"help_text,omitempty"`
	PII         bool       `json:"pii,omitempty" yaml:"pii,omitempty"`
}

// Tone is the voice the agent speaks in.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneFriendly     Tone = "friendly"
	ToneCasual       Tone = "casual"
	ToneFormal       Tone = "formal"
)

// Normalize maps unknown tones to professional.
func (t Tone) Normalize() Tone {
	switch t {
	case ToneProfessional, ToneFriendly, ToneCasual, ToneFormal:
		return t
	}
	return ToneProfessional
}

// Persona is the agent's presentation for a schema.
type Persona struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Tone        Tone   `json:"tone,omitempty" yaml:"tone,omitempty"`
}

// Schema is a published data-collection definition.
type Schema struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Fields    []FieldDefinition `json:"fields" yaml:"fields"`
	Persona   Persona           `json:"persona" yaml:"persona"`
	Knowledge string            `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`
	Greeting  string            `json:"greeting,omitempty" yaml:"greeting,omitempty"`
}

// Field returns the field with the given id.
func (s *Schema) Field(id string) (FieldDefinition, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Validate checks the schema's structure. Each field may only carry the
// validation attributes that belong to its type. A schema with no fields is
// valid.
func (s *Schema) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: schema id is required", ErrInvalidInput)
	}

	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("%w: field %d has no id", ErrInvalidInput, i)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("%w: duplicate field id %q", ErrInvalidInput, f.ID)
		}
		seen[f.ID] = struct{}{}

		if !f.Type.Valid() {
			return fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidInput, f.ID, f.Type)
		}

		switch f.Type {
		case FieldTypeSelect:
			if len(f.Options) == 0 {
				return fmt.Errorf("%w: select field %q needs options", ErrInvalidInput, f.ID)
			}
		default:
			if len(f.Options) > 0 {
				return fmt.Errorf("%w: options are only allowed on select fields (%q)", ErrInvalidInput, f.ID)
			}
		}

		if f.Type != FieldTypeNumber && (f.Validation.Min != nil || f.Validation.Max != nil) {
			return fmt.Errorf("%w: min/max are only allowed on number fields (%q)", ErrInvalidInput, f.ID)
		}
		if f.Validation.Min != nil && f.Validation.Max != nil && *f.Validation.Min > *f.Validation.Max {
			return fmt.Errorf("%w: field %q has min greater than max", ErrInvalidInput, f.ID)
		}
		if f.Validation.Pattern != "" {
			if _, err := regexp.Compile(f.Validation.Pattern); err != nil {
				return fmt.Errorf("%w: field %q pattern: %v", ErrInvalidInput, f.ID, err)
			}
		}
	}

	return nil
}

// RequiredCount returns the number of required fields.
func (s *Schema) RequiredCount() int {
	n := 0
	for _, f := range s.Fields {
		if f.Required {
			n++
		}
	}
	return n
}
