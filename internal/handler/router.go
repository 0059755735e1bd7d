package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/intake-agent/internal/middleware"
	"github.com/capitalize-ai/intake-agent/internal/service"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

// RouterConfig holds what the router needs beyond the service.
type RouterConfig struct {
	Health            *HealthHandler
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP routes for the intake API.
func NewRouter(svc *service.IntakeService, cfg RouterConfig, log *logger.Logger) http.Handler {
	schemaHandler := NewSchemaHandler(svc, log)
	sessionHandler := NewSessionHandler(svc, log)
	streamHandler := NewStreamHandler(svc, log)
	admissionHandler := NewAdmissionHandler(svc, log)
	healthHandler := cfg.Health
	if healthHandler == nil {
		healthHandler = NewHealthHandler(nil, "memory", "template")
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Visitor)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/schemas", func(r chi.Router) {
			r.Post("/", schemaHandler.Put)
			r.Get("/", schemaHandler.List)
			r.Get("/{schemaID}", schemaHandler.Get)
			r.Post("/{schemaID}/validate", schemaHandler.Validate)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Create)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Delete("/", sessionHandler.End)
				r.Get("/messages", sessionHandler.Messages)
				r.Put("/fields/{fieldID}", sessionHandler.SubmitField)

				// Turns
				r.Post("/turns", streamHandler.Turn)
				r.Post("/turns/cancel", streamHandler.Cancel)
				r.Get("/ws", streamHandler.WebSocket)
			})
		})

		r.Post("/admission/check", admissionHandler.Check)
	})

	return r
}
