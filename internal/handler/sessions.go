package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/intake-agent/internal/middleware"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/service"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

// SessionHandler handles session endpoints.
type SessionHandler struct {
	service *service.IntakeService
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.IntakeService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateSchemaID(req.SchemaID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.VisitorKey == "" {
		req.VisitorKey = middleware.GetVisitorKey(r.Context())
	} else if err := middleware.ValidateVisitorKey(req.VisitorKey); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.CreateSession(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// Get handles GET /api/v1/sessions/:sessionID
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	session, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// End handles DELETE /api/v1/sessions/:sessionID
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	session, err := h.service.EndSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// Messages handles GET /api/v1/sessions/:sessionID/messages
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	resp, err := h.service.ListMessages(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// SubmitField handles PUT /api/v1/sessions/:sessionID/fields/:fieldID
func (h *SessionHandler) SubmitField(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	fieldID := chi.URLParam(r, "fieldID")
	if err := middleware.ValidateFieldID(fieldID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SubmitFieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, result, err := h.service.SubmitField(r.Context(), sessionID, fieldID, req.Value)
	if err != nil {
		if errors.Is(err, model.ErrInvalidInput) && len(result.Errors) > 0 {
			writeJSON(w, http.StatusBadRequest, result)
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return sessionID, true
}
