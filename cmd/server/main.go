// sqlsight - natural language analytics server
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

	"github.com/ashureev/sqlsight/internal/agent"
	"github.com/ashureev/sqlsight/internal/api"
	"github.com/ashureev/sqlsight/internal/chart"
	"github.com/ashureev/sqlsight/internal/config"
	"github.com/ashureev/sqlsight/internal/identity"
	"github.com/ashureev/sqlsight/internal/llm"
	"github.com/ashureev/sqlsight/internal/middleware"
	"github.com/ashureev/sqlsight/internal/observability"
	"github.com/ashureev/sqlsight/internal/query"
	"github.com/ashureev/sqlsight/internal/schema"
	"github.com/ashureev/sqlsight/internal/session"
	"github.com/ashureev/sqlsight/internal/store"
	"github.com/ashureev/sqlsight/internal/transport"
	"github.com/ashureev/sqlsight/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.Model.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Conversation store.
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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	metrics := observability.NewMetrics()

	// Analytics database.
	db, err := query.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to analytics database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close analytics database", "error", closeErr)
		}
	}()
	slog.Info("Analytics database connected", "driver", cfg.Database.Driver)

	executor := query.NewExecutor(db,
		query.WithTimeout(cfg.Database.QueryTimeout),
		query.WithMaxRows(cfg.Database.MaxRows),
		query.WithObserver(metrics),
	)
	schemas := schema.NewStore(cfg.SchemaPath)
	if names, err := schemas.TableNames(ctx); err != nil {
		slog.Warn("Schema file not readable, schema tools will report errors", "path", cfg.SchemaPath, "error", err)
	} else {
		slog.Info("Schema loaded", "path", cfg.SchemaPath, "tables", len(names))
	}
	renderer := chart.NewRenderer(cfg.ChartsDir, executor)

	client, err := llm.New(ctx, cfg.Model)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}

	coord, err := agent.NewCoordinator(client, agent.Toolset{
		Schema:  schemas,
		Queries: executor,
		Charts:  renderer,
	}, agent.Options{
		Model:     cfg.Model.ID,
		MaxTokens: cfg.Model.MaxTokens,
		Limits:    cfg.Agents,
		Metrics:   metrics,
	})
	if err != nil {
		slog.Error("Failed to build agents", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := session.NewConversationLogger(session.ConversationLogConfig{
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
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	sm := session.NewManager(metrics)
	limiter := transport.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	// Initialize handlers.
	wsHandler := transport.NewWebSocketHandler(coord, sm, transport.Config{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Limiter:       limiter,
		Users:         repo,
		Store:         repo,
		Log:           conversationLogger,
		Metrics:       metrics,
	})
	apiHandler := api.NewHandler(repo, sm, map[string]api.Pinger{
		"store":     repo,
		"analytics": api.PingFunc(db.PingContext),
	}, []string{agent.CoordinatorName, agent.ResearchName, agent.VisualizationName})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/charts/*", api.ChartsHandler(cfg.ChartsDir))

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket turns can run for minutes, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	store.StartRetentionWorker(ctx, repo, cfg.Retention.TTL, cfg.Retention.Interval)
	slog.Info("Retention worker started", "ttl", cfg.Retention.TTL, "interval", cfg.Retention.Interval)

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

	sm.DisconnectAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
