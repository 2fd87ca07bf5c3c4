package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"github.com/FxamarAboali/saleor/internal/common/database"
	"github.com/FxamarAboali/saleor/internal/common/events"
	"github.com/FxamarAboali/saleor/internal/common/middleware"
	"github.com/FxamarAboali/saleor/internal/common/nats"
	"github.com/FxamarAboali/saleor/internal/providers/webhook"
	"github.com/FxamarAboali/saleor/internal/transaction"
	"github.com/FxamarAboali/saleor/internal/transaction/api"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"RECONCILER_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// APIKey guards the reporting endpoints. Empty disables authentication,
	// for local development only.
	APIKey   string `envconfig:"RECONCILER_API_KEY"`
	CallerID string `envconfig:"RECONCILER_CALLER_ID" default:"provider"`

	// WebhookSecret enables HMAC verification of provider webhook bodies.
	WebhookSecret string `envconfig:"RECONCILER_WEBHOOK_SECRET"`

	// NATSEnabled toggles event publishing to JetStream.
	NATSEnabled bool `envconfig:"NATS_ENABLED" default:"false"`

	Database database.Config
	NATS     nats.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply schema migrations
	if err := database.Migrate(cfg.Database, logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS when enabled
	var publisher events.EventPublisher
	var natsClient *nats.Client
	if cfg.NATSEnabled {
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig("TRANSACTIONS", []string{"events.transaction.>"})); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(natsClient, logger)
	}

	// Create services
	store := transaction.NewPostgresStore(db, logger)
	service := transaction.NewService(store, publisher, logger)

	// Create handlers
	handler := api.NewHandler(service, logger)
	webhookHandler := webhook.NewHandler(service, cfg.WebhookSecret, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if natsClient != nil {
			if err := natsClient.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Provider webhooks, authenticated by body signature rather than API key
	r.Post("/webhooks/provider", webhookHandler.ServeHTTP)

	// API routes
	r.Route("/api/v1/transactions", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(middleware.APIKeyAuth(middleware.StaticKeyValidator(cfg.APIKey, cfg.CallerID)))
		}
		r.Mount("/", handler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting reconciler service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"nats_enabled", cfg.NATSEnabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
