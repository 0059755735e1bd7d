// Package completion folds extracted fields into a session's progress.
package completion

import (
	"math"
	"sort"
	"time"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// Evaluation is the completion state for one point in a session.
type Evaluation struct {
	Next     *model.FieldDefinition
	Rate     int
	Complete bool
}

// NextRequiredField returns the required field with the lowest order that has
// no value yet. ok is false once every required field is present.
func NextRequiredField[V any](extracted map[string]V, fields []model.FieldDefinition) (model.FieldDefinition, bool) {
	for _, f := range RequiredFields(fields) {
		if _, present := extracted[f.ID]; !present {
			return f, true
		}
	}
	return model.FieldDefinition{}, false
}

// RequiredFields returns the required fields in collection order. Fields with
// equal order keep their declared position.
func RequiredFields(fields []model.FieldDefinition) []model.FieldDefinition {
	required := make([]model.FieldDefinition, 0, len(fields))
	for _, f := range fields {
		if f.Required {
			required = append(required, f)
		}
	}
	sort.SliceStable(required, func(i, j int) bool {
		return required[i].Order < required[j].Order
	})
	return required
}

// CompletionRate is the share of required fields present, as a percentage.
// Validity is not considered.
func CompletionRate[V any](extracted map[string]V, fields []model.FieldDefinition) int {
	total, done := 0, 0
	for _, f := range fields {
		if !f.Required {
			continue
		}
		total++
		if _, ok := extracted[f.ID]; ok {
			done++
		}
	}
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

// Evaluate computes the completion state of extracted against fields.
func Evaluate[V any](extracted map[string]V, fields []model.FieldDefinition) Evaluation {
	ev := Evaluation{Rate: CompletionRate(extracted, fields)}
	if next, ok := NextRequiredField(extracted, fields); ok {
		ev.Next = &next
	} else {
		ev.Complete = true
	}
	return ev
}

// Apply records ev on the session. It reports whether the session became
// completed by this call.
func Apply(session *model.Session, ev Evaluation, at time.Time) (bool, error) {
	session.CompletionRate = ev.Rate
	session.UpdatedAt = at
	if !ev.Complete || session.Status != model.SessionActive {
		return false, nil
	}
	if err := session.Transition(model.SessionCompleted, at); err != nil {
		return false, err
	}
	return true, nil
}
