// Package main is the entry point for the API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/branchline-ai/conversation-engine/internal/config"
	"github.com/branchline-ai/conversation-engine/internal/handler"
	"github.com/branchline-ai/conversation-engine/internal/llm"
	"github.com/branchline-ai/conversation-engine/internal/middleware"
	natsclient "github.com/branchline-ai/conversation-engine/internal/nats"
	"github.com/branchline-ai/conversation-engine/internal/orchestrator"
	"github.com/branchline-ai/conversation-engine/internal/store"
	"github.com/branchline-ai/conversation-engine/internal/tools"
	"github.com/branchline-ai/conversation-engine/pkg/logger"
	"github.com/branchline-ai/conversation-engine/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting conversation engine")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer natsClient.Close()

	journal := natsclient.NewJournal(natsClient)
	if err := journal.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure journal stream", zap.Error(err))
		os.Exit(1)
	}

	// Provider adapters. Each configured provider is wrapped with retry
	// before registration so every call site gets the same policy.
	registry := llm.NewRegistry()
	if cfg.AnthropicAPIKey != "" {
		adapter, err := llm.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warn("failed to create Anthropic adapter", zap.Error(err))
		} else {
			registry.Register(llm.WithRetry(adapter, cfg.ProviderMaxRetries))
		}
	}
	if cfg.OpenAIAPIKey != "" {
		adapter, err := llm.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("failed to create OpenAI adapter", zap.Error(err))
		} else {
			registry.Register(llm.WithRetry(adapter, cfg.ProviderMaxRetries))
		}
	}
	if len(registry.Names()) == 0 {
		log.Error("no provider API keys configured")
		os.Exit(1)
	}
	log.Info("providers configured", zap.Strings("providers", registry.Names()))

	toolRegistry := tools.NewRegistry()
	registerBuiltinTools(toolRegistry)

	messageStore := store.NewMemoryStore(journal, log)

	orch := orchestrator.New(messageStore, registry, toolRegistry, journal, log, orchestrator.Config{
		DefaultProvider:      cfg.DefaultProvider,
		DefaultModel:         cfg.DefaultModel,
		ReservedOutputTokens: cfg.ReservedOutputTokens,
		ProviderCallTimeout:  cfg.ProviderCallTimeout,
		TurnTimeout:          cfg.TurnTimeout,
		ToolIterationLimit:   cfg.ToolIterationLimit,
	})

	healthHandler := handler.NewHealthHandler(natsClient, registry.Names())
	conversationHandler := handler.NewConversationHandler(messageStore, log)
	messageHandler := handler.NewMessageHandler(messageStore, log)
	turnHandler := handler.NewTurnHandler(orch, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)
				r.Put("/active-leaf", conversationHandler.SwitchBranch)

				r.Get("/messages", messageHandler.List)
				r.Get("/messages/{messageId}", messageHandler.Get)
				r.Post("/messages/{messageId}/regenerate", turnHandler.Regenerate)

				r.Post("/turns", turnHandler.Send)
			})
		})

		r.Post("/turns/{turnId}/cancel", turnHandler.Cancel)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// registerBuiltinTools wires the tools shipped with the server. Deployments
// extend this set with their own handlers.
func registerBuiltinTools(registry *tools.Registry) {
	registry.Register(llm.ToolSpec{
		Name:        "current_time",
		Description: "Returns the current server time in RFC 3339 format.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"time": time.Now().Format(time.RFC3339)})
	})
}
