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

	_ "github.com/parley-dev/parley/internal/adapter/agentnats" // registers the "nats" backend
	phttp "github.com/parley-dev/parley/internal/adapter/http"
	"github.com/parley-dev/parley/internal/adapter/mcpcheck"
	"github.com/parley-dev/parley/internal/adapter/otel"
	"github.com/parley-dev/parley/internal/adapter/postgres"
	"github.com/parley-dev/parley/internal/adapter/ristretto"
	"github.com/parley-dev/parley/internal/adapter/ws"
	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/logger"
	"github.com/parley-dev/parley/internal/middleware"
	"github.com/parley-dev/parley/internal/port/agentbackend"
	"github.com/parley-dev/parley/internal/port/broadcast"
	"github.com/parley-dev/parley/internal/resilience"
	"github.com/parley-dev/parley/internal/secrets"
	"github.com/parley-dev/parley/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

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

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"backend", cfg.Sessions.Backend,
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownTelemetry, err := otel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	store := postgres.NewStore(pool)

	metaCache, err := ristretto.New(cfg.Cache.MaxSizeMB)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer metaCache.Close()

	// --- Credentials ---
	key, err := secrets.DeriveKey(os.Getenv("PARLEY_VAULT_KEY"))
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}
	creds, err := secrets.OpenFileStore(cfg.Vault.Path, key, nil)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}

	// --- Agent backend ---
	backend, err := agentbackend.New(cfg.Sessions.Backend, map[string]string{
		"url": cfg.NATS.URL,
	})
	if err != nil {
		return fmt.Errorf("agent backend: %w", err)
	}
	log.Info("agent backend ready", "name", backend.Name(), "available", agentbackend.Available())

	// --- Services ---
	hub := ws.NewHub()
	var bcast broadcast.Broadcaster = hub
	var metrics *otel.Metrics
	if cfg.Telemetry.Enabled {
		metrics, err = otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		bcast = otel.ObserveBroadcasts(hub, metrics)
	}

	tokens := service.NewTokenCoordinator(creds,
		resilience.NewBreakerGroup(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		cfg.Tokens.RefreshMargin, cfg.Tokens.FailureCooldown, log)

	orch := service.NewOrchestrator(service.OrchestratorDeps{
		Backend:        backend,
		Store:          store,
		Broadcast:      bcast,
		Tokens:         tokens,
		Batcher:        service.NewDeltaBatcher(cfg.Batcher.Interval, bcast),
		Persist:        service.NewPersistQueue(store, cfg.Persist.Debounce, log),
		Cache:          metaCache,
		CacheTTL:       cfg.Cache.TTL,
		TeardownSettle: cfg.Sessions.TeardownSettle,
		Logger:         log,
	})

	probe := mcpcheck.New(cfg.Tokens.ProbeTimeout)

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(phttp.CORS(cfg.Server.CORSOrigin))
	r.Use(phttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(phttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	handlers := phttp.NewHandlers(orch, tokens, probe)
	handlers.Metrics = metrics
	phttp.MountRoutes(r, handlers, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	// Flush in-flight deltas and pending session writes before exit.
	return orch.Shutdown(shutdownCtx)
}
