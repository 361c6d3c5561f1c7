package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/Maestro/internal/adapter/gatecmd"
	maestrohttp "github.com/Strob0t/Maestro/internal/adapter/http"
	"github.com/Strob0t/Maestro/internal/adapter/localexec"
	"github.com/Strob0t/Maestro/internal/adapter/mcp"
	maestronats "github.com/Strob0t/Maestro/internal/adapter/nats"
	"github.com/Strob0t/Maestro/internal/adapter/natsagent"
	"github.com/Strob0t/Maestro/internal/adapter/natskv"
	maestrotel "github.com/Strob0t/Maestro/internal/adapter/otel"
	"github.com/Strob0t/Maestro/internal/adapter/postgres"
	"github.com/Strob0t/Maestro/internal/adapter/promptfs"
	"github.com/Strob0t/Maestro/internal/adapter/ristretto"
	"github.com/Strob0t/Maestro/internal/adapter/tiered"
	"github.com/Strob0t/Maestro/internal/adapter/ws"
	"github.com/Strob0t/Maestro/internal/config"
	"github.com/Strob0t/Maestro/internal/git"
	"github.com/Strob0t/Maestro/internal/logger"
	"github.com/Strob0t/Maestro/internal/middleware"
	"github.com/Strob0t/Maestro/internal/resilience"
	"github.com/Strob0t/Maestro/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"agent_mode", cfg.Agents.Mode,
		"max_workers", cfg.Orchestrator.MaxWorkers,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := maestrotel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := maestrotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := maestronats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// --- Agent adapters ---
	for _, engine := range cfg.Agents.Engines {
		switch cfg.Agents.Mode {
		case "local":
			localexec.Register(engine)
		default:
			natsagent.Register(engine, queue)
		}
	}

	// --- Journal and event fan-out ---
	hub := ws.NewHub()
	journal := postgres.NewJournal(pool, nil)
	journal.AddSink(maestronats.NewSink(queue))
	journal.AddSink(hub)

	// --- Spec document cache: in-process L1, NATS KV L2 ---
	l1, err := ristretto.New(8 << 20)
	if err != nil {
		return fmt.Errorf("spec cache: %w", err)
	}
	defer l1.Close()
	kv, err := queue.KeyValue(ctx, "maestro-specs", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("spec cache kv: %w", err)
	}
	specCache := tiered.New(l1, natskv.New(kv), time.Hour)

	// --- Orchestrator collaborators ---
	prompts, err := promptfs.New(cfg.Prompt.Dir, cfg.Prompt.CacheBytes)
	if err != nil {
		return fmt.Errorf("prompt resolver: %w", err)
	}
	defer prompts.Close()

	worktree := git.NewCoordinator(
		git.NewCLI(git.NewPool(cfg.Git.MaxConcurrent)),
		git.CoordinatorConfig{
			WorktreeRoot: cfg.Git.WorktreeRoot,
			AutoClone:    cfg.Git.AutoClone,
		},
	)

	orc := service.NewOrchestrator(service.Options{
		Store:     postgres.NewStore(pool),
		Journal:   journal,
		Worktree:  worktree,
		Prompts:   prompts,
		Gates:     gatecmd.New(nil),
		Repos:     repoLocator(cfg.Git.ReposRoot),
		Breaker:   resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		Config:    &cfg.Orchestrator,
		Metrics:   metrics,
		SpecCache: specCache,
	})

	// --- MCP ---
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(
			mcp.ServerConfig{
				Addr:    cfg.MCP.Addr,
				Name:    "maestro",
				Version: "0.1.0",
				APIKey:  cfg.MCP.APIKey,
			},
			mcp.ServerDeps{
				Protocols:      orc,
				Steps:          orc,
				Events:         orc,
				Clarifications: orc,
			},
		)
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mcpSrv.Stop(stopCtx)
		}()
	}

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(maestrohttp.SecurityHeaders)
	r.Use(maestrohttp.CORS(cfg.Server.CORSOrigin))
	r.Use(maestrohttp.Logger)
	r.Use(maestrotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	maestrohttp.MountRoutes(r, maestrohttp.NewHandlers(orc), hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// repoLocator maps a project id to its checkout under the repos root.
func repoLocator(root string) service.RepoLocator {
	return func(projectID string) (string, error) {
		if projectID == "" {
			return "", fmt.Errorf("project id is empty")
		}
		return filepath.Join(root, projectID), nil
	}
}
