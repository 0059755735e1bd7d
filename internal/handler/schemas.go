package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/intake-agent/internal/middleware"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/service"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

// SchemaHandler handles schema endpoints.
type SchemaHandler struct {
	service *service.IntakeService
	logger  *logger.Logger
}

// NewSchemaHandler creates a new schema handler.
func NewSchemaHandler(svc *service.IntakeService, log *logger.Logger) *SchemaHandler {
	return &SchemaHandler{
		service: svc,
		logger:  log,
	}
}

// Put handles POST /api/v1/schemas
func (h *SchemaHandler) Put(w http.ResponseWriter, r *http.Request) {
	var schema model.Schema
	if err := decodeJSON(w, r, &schema); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateSchemaID(schema.ID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, f := range schema.Fields {
		if err := middleware.ValidateFieldID(f.ID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.service.RegisterSchema(r.Context(), &schema); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, &schema)
}

// List handles GET /api/v1/schemas
func (h *SchemaHandler) List(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.service.ListSchemas(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if schemas == nil {
		schemas = []model.Schema{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schemas": schemas,
		"total":   len(schemas),
	})
}

// Get handles GET /api/v1/schemas/:schemaID
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	schemaID := chi.URLParam(r, "schemaID")
	if err := middleware.ValidateSchemaID(schemaID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	schema, err := h.service.GetSchema(r.Context(), schemaID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, schema)
}

// Validate handles POST /api/v1/schemas/:schemaID/validate
func (h *SchemaHandler) Validate(w http.ResponseWriter, r *http.Request) {
	schemaID := chi.URLParam(r, "schemaID")
	if err := middleware.ValidateSchemaID(schemaID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ValidateValueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.ValidateValue(r.Context(), schemaID, req.FieldID, req.Value)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
