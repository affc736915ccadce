// formchat - form-to-chat assistant server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/api"
	"github.com/ashureev/formchat/internal/config"
	"github.com/ashureev/formchat/internal/identity"
	"github.com/ashureev/formchat/internal/middleware"
	"github.com/ashureev/formchat/internal/session"
	"github.com/ashureev/formchat/internal/store"
	"github.com/ashureev/formchat/internal/workflow"
	"github.com/ashureev/formchat/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func newBackend(cfg *config.Config, logger *slog.Logger) (agent.Backend, error) {
	switch cfg.Agent.Backend {
	case config.BackendGRPC:
		grpcCfg := agent.DefaultGrpcConfig(cfg.Agent.GrpcAddr)
		grpcCfg.RequestTimeout = cfg.Agent.RequestTimeout
		return agent.NewGrpcBackend(grpcCfg, logger)
	case config.BackendOllama:
		return agent.NewOllamaBackend(cfg.Agent.OllamaURL, cfg.Agent.RequestTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q", cfg.Agent.Backend)
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "agent_backend", cfg.Agent.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize agent backend: %w", err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			slog.Warn("Failed to close agent backend", "error", closeErr)
		}
	}()

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	var snapshots store.Repository
	if cfg.Session.Persist {
		snapshots = repo
	}
	svc := workflow.New(workflow.Options{
		Backend:       backend,
		Repo:          snapshots,
		Log:           conversationLogger,
		DefaultModel:  cfg.Agent.Model,
		FormPrompt:    cfg.Agent.FormPrompt,
		ChatPrompt:    cfg.Agent.ChatPrompt,
		QuestionLabel: cfg.Agent.QuestionLabel,
		Logger:        logger,
	})
	sessions := session.NewManager(
		session.WithHydrator(svc.Hydrate),
		session.WithTeardown(svc.Teardown),
		session.WithLogger(logger),
	)

	handler := api.NewHandler(api.Options{
		Service:  svc,
		Sessions: sessions,
		Repo:     repo,
		Limiter:  api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		Stream: api.StreamSettings{
			MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
			KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
			RetryDelay:         cfg.SSE.RetryDelay,
		},
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger,
	})
	defer handler.Close()
	healthHandler := api.NewHealthHandler(repo, backend)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, []byte(cfg.Session.Secret), cfg.IsDevelopment()))
		r.Use(session.Middleware(sessions))
		handler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE responses stream for as long as the agent takes, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	session.StartTTLWorker(ctx, sessions, snapshots, cfg.Session.SweepInterval, cfg.Session.TTL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		handler.Close()
		err := srv.Shutdown(shutdownCtx)
		sessions.CloseAll(shutdownCtx)
		if err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
