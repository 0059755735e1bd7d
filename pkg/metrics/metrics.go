// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TurnDuration tracks the wall time of a turn, from admission to the last reply.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	// TurnsTotal counts turns by outcome (completed, cancelled, error).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_turns_total",
			Help: "Total turns by outcome",
		},
		[]string{"outcome"},
	)

	// FieldsExtractedTotal counts extracted values by field type.
	FieldsExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_fields_extracted_total",
			Help: "Extracted field values by type and validity",
		},
		[]string{"type", "valid"},
	)

	// AdmissionDecisions counts admission checks by category and decision.
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_admission_decisions_total",
			Help: "Admission decisions by category",
		},
		[]string{"category", "decision"},
	)

	// SessionsTotal counts session status transitions.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_sessions_total",
			Help: "Sessions by status reached",
		},
		[]string{"status"},
	)

	// LLMStreamDuration tracks provider streaming duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// StreamsActive tracks open SSE and websocket connections.
	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intake_streams_active",
			Help: "Number of open reply streams",
		},
		[]string{"transport"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records the outcome of a turn.
func RecordTurn(outcome string, duration float64) {
	TurnDuration.WithLabelValues(outcome).Observe(duration)
	TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordLLMStream records metrics for a provider streaming response.
func RecordLLMStream(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordAdmission records an admission decision.
func RecordAdmission(category string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	AdmissionDecisions.WithLabelValues(category, decision).Inc()
}

// StreamOpened increments the open stream gauge.
func StreamOpened(transport string) {
	StreamsActive.WithLabelValues(transport).Inc()
}

// StreamClosed decrements the open stream gauge.
func StreamClosed(transport string) {
	StreamsActive.WithLabelValues(transport).Dec()
}
