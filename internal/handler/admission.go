package handler

import (
	"net/http"
	"strconv"

	"github.com/capitalize-ai/intake-agent/internal/middleware"
	"github.com/capitalize-ai/intake-agent/internal/service"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

// AdmissionRequest asks whether one more action is allowed.
type AdmissionRequest struct {
	Key      string `json:"key"`
	Category string `json:"category"`
}

// AdmissionHandler exposes the admission controller.
type AdmissionHandler struct {
	service *service.IntakeService
	logger  *logger.Logger
}

// NewAdmissionHandler creates a new admission handler.
func NewAdmissionHandler(svc *service.IntakeService, log *logger.Logger) *AdmissionHandler {
	return &AdmissionHandler{
		service: svc,
		logger:  log,
	}
}

// Check handles POST /api/v1/admission/check
// An empty key falls back to the caller's visitor key.
func (h *AdmissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req AdmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		req.Key = middleware.GetVisitorKey(r.Context())
	}

	result, err := h.service.CheckAdmission(r.Context(), req.Key, req.Category)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	status := http.StatusOK
	if !result.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, result)
}
