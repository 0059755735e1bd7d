package handler

import (
	"net/http"

	natsclient "github.com/capitalize-ai/intake-agent/internal/nats"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *natsclient.Client
	provider   string
	store      string
}

// NewHealthHandler creates a new health handler. natsClient may be nil when
// the service runs without a broker.
func NewHealthHandler(natsClient *natsclient.Client, storeBackend, provider string) *HealthHandler {
	return &HealthHandler{
		natsClient: natsClient,
		provider:   provider,
		store:      storeBackend,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"store":    h.store,
		"provider": h.provider,
	})
}
