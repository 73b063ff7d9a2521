// Package main is the entry point for the assistant gateway API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/internal/budget"
	"github.com/aperture-ai/assistant-gateway/internal/chat"
	"github.com/aperture-ai/assistant-gateway/internal/config"
	"github.com/aperture-ai/assistant-gateway/internal/files"
	"github.com/aperture-ai/assistant-gateway/internal/handler"
	"github.com/aperture-ai/assistant-gateway/internal/llm"
	"github.com/aperture-ai/assistant-gateway/internal/memory"
	"github.com/aperture-ai/assistant-gateway/internal/middleware"
	natsclient "github.com/aperture-ai/assistant-gateway/internal/nats"
	"github.com/aperture-ai/assistant-gateway/internal/webhook"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
	"github.com/aperture-ai/assistant-gateway/pkg/tracing"
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

	log.Info("starting assistant gateway")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "assistant-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Durable history is optional; the gateway runs with in-memory state
	// only when NATS is disabled.
	var natsClient *natsclient.Client
	var historyLog *natsclient.HistoryLog
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
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

		historyLog = natsclient.NewHistoryLog(natsClient)
		if err := historyLog.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure history stream", zap.Error(err))
			os.Exit(1)
		}
	}

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		log.Error("failed to create LLM client", zap.Error(err))
		os.Exit(1)
	}
	log.Info("LLM provider ready", zap.String("provider", llmClient.Name()))

	collaborators := chat.Collaborators{
		Store:  chat.NewStore(),
		LLM:    llmClient,
		Files:  files.NewExtractor(log),
		Logger: log,
	}
	if historyLog != nil {
		collaborators.HistoryLog = historyLog
	}

	var memoryClient *memory.Client
	if cfg.MemoryAPIURL != "" {
		memoryClient = memory.NewClient(cfg.MemoryAPIURL, cfg.MemoryAPIKey, log)
		collaborators.Memory = memory.NewRecorder(memoryClient, log)
	}

	manager := chat.NewManager(collaborators, chat.Options{
		Model:         cfg.DefaultModel,
		Strategy:      budget.Strategy(cfg.TrimStrategy),
		PreserveLastN: cfg.PreserveLastN,
	})

	webhookRegistry := webhook.NewRegistry(log)
	if cfg.WebhookEndpoint != "" {
		webhookRegistry.Register(webhook.Config{
			Endpoint: cfg.WebhookEndpoint,
			Secret:   cfg.WebhookSecret,
		})
	}

	healthHandler := handler.NewHealthHandler(natsClient)
	conversationHandler := handler.NewConversationHandler(manager, log)
	modelsHandler := handler.NewModelsHandler()

	var replayer handler.Replayer
	if historyLog != nil {
		replayer = historyLog
	}
	messageHandler := handler.NewMessageHandler(manager, replayer, webhookRegistry, log)
	webhookHandler := handler.NewWebhookHandler(webhookRegistry, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/models", modelsHandler.List)

		// First turn without an existing conversation.
		r.Post("/messages", messageHandler.SendNew)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Put("/messages/{messageID}", messageHandler.Edit)
				r.Post("/regenerate", messageHandler.Regenerate)
				r.Post("/stop", messageHandler.Stop)
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", webhookHandler.Register)
			r.Get("/", webhookHandler.Get)
			r.Delete("/", webhookHandler.Unregister)
			r.Post("/test", webhookHandler.Test)
		})

		if memoryClient != nil {
			memoryHandler := handler.NewMemoryHandler(memoryClient, log)
			r.Route("/memories", func(r chi.Router) {
				r.Get("/", memoryHandler.List)
				r.Post("/search", memoryHandler.Search)
				r.Delete("/{id}", memoryHandler.Delete)
			})
		}
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

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch llm.Provider(cfg.LLMProvider) {
	case llm.ProviderOpenAI:
		return llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	case llm.ProviderAnthropic:
		return llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
	default:
		return llm.NewClient(llm.ProviderGroq, cfg.GroqAPIKey)
	}
}
