// Turnkeeper - conversation state server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/turnkeeper/internal/agent"
	"github.com/ashureev/turnkeeper/internal/api"
	"github.com/ashureev/turnkeeper/internal/config"
	"github.com/ashureev/turnkeeper/internal/conversation"
	"github.com/ashureev/turnkeeper/internal/identity"
	"github.com/ashureev/turnkeeper/internal/middleware"
	"github.com/ashureev/turnkeeper/internal/notify"
	"github.com/ashureev/turnkeeper/internal/store"
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

	watcher, err := notify.NewWatcher(cfg.SignalDir, logger)
	if err != nil {
		slog.Error("Failed to initialize update watcher", "error", err)
		os.Exit(1)
	}
	slog.Info("Update watcher ready", "dir", cfg.SignalDir, "polling", watcher.Polling())

	engine := conversation.NewEngine(repo, logger, conversation.Options{Updates: watcher})
	if err := engine.Restore(context.Background()); err != nil {
		slog.Error("Failed to restore session", "error", err)
		os.Exit(1)
	}
	if _, err := engine.Reconcile(context.Background(), cfg.Reconcile.Limit); err != nil {
		slog.Warn("Initial reconcile failed, starting with an empty log", "error", err)
	}
	slog.Info("Conversation restored", "turns", len(engine.Snapshot()), "session_start", engine.SessionStart())

	// Initialize the assistant backend gRPC client (optional).
	var runner *agent.Runner
	aiEnabled := false
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.AgentAddr != "" {
		slog.Info("Attempting to connect to assistant backend via gRPC", "address", cfg.AgentAddr)

		grpcClient, err := agent.NewGrpcClient(agent.GrpcClientConfig{Address: cfg.AgentAddr}, logger)
		if err != nil {
			slog.Warn("Failed to connect to assistant backend, chat will be disabled", "error", err)
		} else {
			defer grpcClient.Close()
			aiEnabled = true

			conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
				Enabled:       cfg.ConversationLog.Enabled,
				Dir:           cfg.ConversationLog.Dir,
				GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
				GlobalPath:    cfg.ConversationLog.GlobalPath,
				QueueSize:     cfg.ConversationLog.QueueSize,
			}, logger)
			if err != nil {
				slog.Error("Failed to initialize conversation logger", "error", err)
				os.Exit(1)
			}
			defer func() {
				if closeErr := conversationLogger.Close(); closeErr != nil {
					slog.Warn("Failed to close conversation logger", "error", closeErr)
				}
			}()

			runner = agent.NewRunner(grpcClient, engine, conversationLogger, logger)
		}
	}
	if !aiEnabled {
		slog.Info("Chat disabled (ASSISTANT_AGENT_ADDR not set or connection failed)")
	}

	// Initialize handlers.
	apiHandler := api.NewHandler(engine, runner, cfg, logger)
	defer apiHandler.Close()
	healthHandler := api.NewHealthHandler(repo, cfg)
	hub := api.NewEventHub(engine, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware())

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", hub.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background workers.
	go watcher.Run(ctx)
	go conversation.RunSyncWorker(ctx, engine, watcher, conversation.SyncWorkerConfig{
		Interval: cfg.Reconcile.Interval,
		Limit:    cfg.Reconcile.Limit,
	})
	go hub.Run(ctx)
	slog.Info("Sync worker started", "interval", cfg.Reconcile.Interval)

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
