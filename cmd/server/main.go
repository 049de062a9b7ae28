// QuantChat - chat-based stock backtesting assistant server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/quantchat/internal/agent"
	"github.com/ashureev/quantchat/internal/api"
	"github.com/ashureev/quantchat/internal/config"
	"github.com/ashureev/quantchat/internal/llm"
	"github.com/ashureev/quantchat/internal/llm/anthropic"
	"github.com/ashureev/quantchat/internal/llm/openai"
	"github.com/ashureev/quantchat/internal/middleware"
	"github.com/ashureev/quantchat/internal/observability"
	"github.com/ashureev/quantchat/internal/sandbox"
	"github.com/ashureev/quantchat/internal/session"
	"github.com/ashureev/quantchat/internal/store"
	"github.com/ashureev/quantchat/internal/tools"
	"github.com/ashureev/quantchat/internal/xsearch"
	"github.com/ashureev/quantchat/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := observability.NewLogger(os.Stdout, observability.ParseLevel(cfg.LogLevel), cfg.LogFile)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	provider, err := sandbox.NewDockerProvider(repo, sandbox.DockerConfig{
		Runtime: cfg.Sandbox.Runtime,
		Network: cfg.Sandbox.Network,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize sandbox provider", "error", err)
		os.Exit(1)
	}
	defer func() { _ = provider.Close() }()

	if err := provider.Ping(context.Background()); err != nil {
		slog.Error("Docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	networkID, err := provider.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	model := newModel(cfg)
	if cfg.LLMAPIKey() == "" {
		slog.Warn("No model API key configured, chat requests will fail", "llm_provider", cfg.LLM.Provider)
	}

	orchestrator := agent.NewOrchestrator(model, provider, agent.Config{
		Models:       cfg.PersonaModels(),
		DefaultModel: cfg.LLM.ModelStockNoob,
		MaxSteps:     cfg.MaxSteps,
		MaxTokens:    cfg.LLM.MaxTokens,
		Session: session.Options{
			Template:       cfg.Sandbox.Template,
			IdleTimeout:    cfg.Sandbox.IdleTimeout,
			RequestTimeout: cfg.Sandbox.RequestTimeout,
			Env:            map[string]string{"SANDBOX_API_URL": cfg.SandboxAPIURL()},
		},
		Exec:   tools.ExecuteCodeConfig{Timeout: cfg.Sandbox.ExecTimeout},
		Logger: logger,
	})

	// Initialize handlers.
	chatHandler := agent.NewHandler(orchestrator, agent.HandlerConfig{
		MaxRequestBodySize: cfg.MaxRequestBodyBytes,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		AllowedOrigins:     originHosts(cfg.AllowedOrigins),
	}, logger)
	defer chatHandler.Close()

	searcher := xsearch.New(xsearch.Config{
		XAPIKey:   cfg.XAPIKey,
		XAIAPIKey: cfg.LLM.XAIAPIKey,
		Logger:    logger,
	})
	functionsHandler := api.NewFunctionsHandler(searcher, logger)
	adminHandler := api.NewAdminHandler(repo, provider, provider, api.AdminConfig{
		MaxSteps:    orchestrator.MaxSteps(),
		IdleTimeout: cfg.Sandbox.IdleTimeout,
		Token:       cfg.AdminToken,
	}, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health/live"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	adminHandler.RegisterRoutes(r)
	functionsHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	r.Handle("/metrics", observability.Handler())

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: chat streams require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for streaming
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sandbox.StartReaper(ctx, repo, provider, cfg.Sandbox.ReapInterval, cfg.Sandbox.PausedRetention)
	slog.Info("Sandbox reaper started", "interval", cfg.Sandbox.ReapInterval, "paused_retention", cfg.Sandbox.PausedRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newModel(cfg *config.Config) llm.Model {
	if cfg.LLM.Provider == config.ProviderAnthropic {
		return anthropic.New(anthropic.Config{
			APIKey:  cfg.LLMAPIKey(),
			BaseURL: cfg.LLM.BaseURL,
		})
	}
	return openai.New(openai.Config{
		APIKey:  cfg.LLMAPIKey(),
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.Timeout,
	})
}

// originHosts turns configured origins into WebSocket origin patterns, which
// match on host only.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			slog.Warn("Ignoring malformed allowed origin", "origin", o)
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
