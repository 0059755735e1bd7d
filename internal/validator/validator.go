// Package validator checks field values against their definitions.
package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

var emailPattern = regexp.MustCompile(`^(?:` + model.EmailPattern + `)$`)

// DateLayouts are the accepted date formats.
var DateLayouts = []string{"2006-01-02", "1/2/2006"}

// Validate applies every rule of field to value and collects all violations.
// Empty values of optional fields skip the type rules.
func Validate(value string, field model.FieldDefinition) model.ValidationResult {
	var errs []string
	trimmed := strings.TrimSpace(value)

	if trimmed == "" {
		if field.Required {
			errs = append(errs, fmt.Sprintf("%s is required", displayName(field)))
		}
		return result(errs)
	}

	switch field.Type {
	case model.FieldTypeText, model.FieldTypeFile:
		// no shape rules beyond pattern
	case model.FieldTypeEmail:
		if !emailPattern.MatchString(trimmed) {
			errs = append(errs, fmt.Sprintf("%s must be a valid email address", displayName(field)))
		}
	case model.FieldTypeNumber:
		errs = append(errs, validateNumber(trimmed, field)...)
	case model.FieldTypeSelect:
		if !containsOption(field.Options, trimmed) {
			errs = append(errs, fmt.Sprintf("%s must be one of: %s", displayName(field), strings.Join(field.Options, ", ")))
		}
	case model.FieldTypeDate:
		if _, ok := ParseDate(trimmed); !ok {
			errs = append(errs, fmt.Sprintf("%s must be a date (YYYY-MM-DD or M/D/YYYY)", displayName(field)))
		}
	default:
		errs = append(errs, fmt.Sprintf("%s has unsupported type %q", displayName(field), field.Type))
	}

	if field.Validation.Pattern != "" {
		re, err := compilePattern(field.Validation.Pattern)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s has an invalid pattern", displayName(field)))
		} else if !re.MatchString(trimmed) {
			errs = append(errs, fmt.Sprintf("%s has an invalid format", displayName(field)))
		}
	}

	return result(errs)
}

// ValidateAll validates a full submission keyed by field id. Fields missing
// from values are validated as empty.
func ValidateAll(values map[string]string, fields []model.FieldDefinition) map[string]model.ValidationResult {
	out := make(map[string]model.ValidationResult, len(fields))
	for _, f := range fields {
		out[f.ID] = Validate(values[f.ID], f)
	}
	return out
}

// ParseDate parses s with any of DateLayouts.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func validateNumber(value string, field model.FieldDefinition) []string {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return []string{fmt.Sprintf("%s must be a number", displayName(field))}
	}

	var errs []string
	if lo := field.Validation.Min; lo != nil && n < *lo {
		errs = append(errs, fmt.Sprintf("%s must be at least the minimum of %s", displayName(field), formatFloat(*lo)))
	}
	if hi := field.Validation.Max; hi != nil && n > *hi {
		errs = append(errs, fmt.Sprintf("%s must be at most the maximum of %s", displayName(field), formatFloat(*hi)))
	}
	return errs
}

func containsOption(options []string, value string) bool {
	for _, o := range options {
		if o == value {
			return true
		}
	}
	return false
}

func displayName(field model.FieldDefinition) string {
	if field.Label != "" {
		return field.Label
	}
	return field.ID
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func result(errs []string) model.ValidationResult {
	if errs == nil {
		errs = []string{}
	}
	return model.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

var patternCache sync.Map

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}
