// Converse - Conversational Session Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/avolkov/converse/internal/api"
	"github.com/avolkov/converse/internal/clock"
	"github.com/avolkov/converse/internal/config"
	"github.com/avolkov/converse/internal/directory"
	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/history"
	"github.com/avolkov/converse/internal/identity"
	"github.com/avolkov/converse/internal/job"
	"github.com/avolkov/converse/internal/middleware"
	"github.com/avolkov/converse/internal/pipeline"
	"github.com/avolkov/converse/internal/registry"
	"github.com/avolkov/converse/internal/scoring"
	"github.com/avolkov/converse/internal/store"
	"github.com/avolkov/converse/internal/user"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	// Initialize services.
	clk := clock.System{}
	dir := directory.New(repo, clk)

	var scores scoring.Reporter = scoring.Nop{}
	if cfg.ScoringEndpoint != "" {
		reporter := scoring.NewHTTPReporter(cfg.ScoringEndpoint)
		defer reporter.Close()
		scores = reporter
		slog.Info("Score reporting enabled", "endpoint", cfg.ScoringEndpoint)
	}

	hist := history.New(repo, scores)

	var modelOpts []func(o *pipeline.OpenAIOptions)
	if cfg.ChatModel != "" {
		modelOpts = append(modelOpts, func(o *pipeline.OpenAIOptions) { o.Model = cfg.ChatModel })
	}
	model := pipeline.NewOpenAIModel(modelOpts...)

	retrievers := func([]string) pipeline.Retriever { return pipeline.NoRetriever{} }
	factory := pipeline.NewFactory(model, retrievers, hist, repo)

	reg := registry.New(dir, hist, factory)
	users := user.New(repo, dir, hist, reg)

	jobs := job.NewScheduler(repo, clk, func(o *job.Options) {
		o.PollInterval = cfg.JobPollInterval
		o.Workers = cfg.JobWorkers
		o.MaxInstances = cfg.JobMaxInstances
	})
	jobs.Register(domain.JobTypeSessionPurge, job.NewPurgeHandler(dir, reg, clk))

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, dir, hist, reg, users, jobs)
	healthHandler := api.NewHealthHandler(repo, filepath.Dir(cfg.DBPath))
	sessionHandler := api.NewSessionHandler(baseHandler)
	chatHandler := api.NewChatHandler(baseHandler, cfg.FrontendURL, cfg.IsDevelopment())
	feedbackHandler := api.NewFeedbackHandler(baseHandler)
	jobHandler := api.NewJobHandler(baseHandler)
	userHandler := api.NewUserHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware())

		sessionHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
		feedbackHandler.RegisterRoutes(r)
		jobHandler.RegisterRoutes(r)
		userHandler.RegisterRoutes(r)

		// WebSocket endpoint.
		r.Get("/ws/chat", chatHandler.ServeWS)
	})

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start job executor.
	go jobs.Run(ctx)

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
