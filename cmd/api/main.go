// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/admission"
	"github.com/capitalize-ai/intake-agent/internal/config"
	"github.com/capitalize-ai/intake-agent/internal/handler"
	"github.com/capitalize-ai/intake-agent/internal/kv"
	"github.com/capitalize-ai/intake-agent/internal/llm"
	natsclient "github.com/capitalize-ai/intake-agent/internal/nats"
	"github.com/capitalize-ai/intake-agent/internal/orchestrator"
	"github.com/capitalize-ai/intake-agent/internal/service"
	"github.com/capitalize-ai/intake-agent/internal/store"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
	"github.com/capitalize-ai/intake-agent/pkg/tracing"
)

// backend bundles the storage pieces selected by STORE_BACKEND.
type backend struct {
	store     store.Store
	counters  kv.Store
	publisher service.EventPublisher
	nats      *natsclient.Client
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info("starting intake API",
		zap.String("store", cfg.StoreBackend),
		zap.String("provider", cfg.LLMProvider),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "intake-agent", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.store.Close()

	// Initialize LLM client
	provider, err := llm.NewClient(ctx, llm.Provider(cfg.LLMProvider), cfg.APIKey())
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	// Admission
	limiter := admission.NewRateLimiter(be.counters, map[string]admission.Limit{
		admission.CategoryMessages:    {Max: cfg.MessagesMax, Window: cfg.MessagesWindow},
		admission.CategorySessions:    {Max: cfg.SessionsMax, Window: cfg.SessionsWindow},
		admission.CategorySubmissions: {Max: cfg.SubmissionsMax, Window: cfg.SubmissionsWindow},
	}, log.Named("ratelimit"))
	detector := admission.NewAbuseDetector(admission.AbuseConfig{
		Window:        cfg.AbuseWindow,
		MaxMessages:   cfg.AbuseMaxMessages,
		MaxDuplicates: cfg.AbuseMaxDuplicate,
		MaxShort:      cfg.AbuseMaxShort,
	})
	controller := admission.NewController(limiter, detector, cfg.BlockAbusive, log.Named("admission"))

	// Initialize services
	orch := orchestrator.New(be.store, provider, be.publisher, orchestrator.Options{
		Model:           cfg.LLMModel,
		MaxTokens:       cfg.LLMMaxTokens,
		Temperature:     cfg.LLMTemperature,
		HistoryLimit:    cfg.HistoryLimit,
		PreemptInFlight: cfg.PreemptInFlight,
	}, log)
	intakeSvc := service.NewIntakeService(be.store, orch, controller, be.publisher, log)

	if cfg.SchemaFile != "" {
		if err := seedSchemas(ctx, intakeSvc, cfg.SchemaFile, log); err != nil {
			return err
		}
	}

	router := handler.NewRouter(intakeSvc, handler.RouterConfig{
		Health:            handler.NewHealthHandler(be.nats, cfg.StoreBackend, provider.Name()),
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, log)

	// Create HTTP server. WriteTimeout stays open-ended by default so
	// streamed turns are not cut off mid-reply.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		st, err := store.NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:     st,
			counters:  kv.NewMemoryStore(),
			publisher: service.NewLogPublisher(log),
		}, nil

	case config.StoreNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		st, err := natsclient.NewSessionStore(ctx, client)
		if err != nil {
			client.Close()
			return nil, err
		}

		// the bucket TTL bounds counters by the longest admission window
		ttl := max(cfg.MessagesWindow, cfg.SessionsWindow, cfg.SubmissionsWindow)
		bucket, err := client.EnsureBucket(ctx, natsclient.BucketRateLimit, ttl)
		if err != nil {
			st.Close()
			return nil, err
		}

		return &backend{
			store:     st,
			counters:  natsclient.NewKVStore(bucket),
			publisher: natsclient.NewEventPublisher(st.Streams()),
			nats:      client,
		}, nil

	default:
		return &backend{
			store:     store.NewMemoryStore(),
			counters:  kv.NewMemoryStore(),
			publisher: service.NewLogPublisher(log),
		}, nil
	}
}

func seedSchemas(ctx context.Context, svc *service.IntakeService, path string, log *logger.Logger) error {
	schemas, err := config.LoadSchemas(path)
	if err != nil {
		return err
	}
	for i := range schemas {
		if err := svc.RegisterSchema(ctx, &schemas[i]); err != nil {
			return fmt.Errorf("failed to register schema %q: %w", schemas[i].ID, err)
		}
	}
	log.Info("schemas loaded", zap.Int("count", len(schemas)), zap.String("file", path))
	return nil
}
