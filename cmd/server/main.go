// Package main is the entry point for the Devoter API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devoter-xyz/devoter-api/internal/config"
	"github.com/devoter-xyz/devoter-api/internal/database"
	"github.com/devoter-xyz/devoter-api/internal/handler"
	"github.com/devoter-xyz/devoter-api/internal/ratelimit"
	"github.com/devoter-xyz/devoter-api/internal/replay"
	"github.com/devoter-xyz/devoter-api/internal/repository"
	"github.com/devoter-xyz/devoter-api/internal/service"
	"github.com/devoter-xyz/devoter-api/internal/usage"
	"github.com/devoter-xyz/devoter-api/internal/wallet"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting Devoter API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("driver", cfg.Database.Driver),
		slog.String("replay_backend", cfg.Auth.ReplayBackend),
	)

	ctx := context.Background()
	ready := map[string]handler.ReadyCheck{}

	// Credential and usage stores
	var (
		keyRepo   repository.APIKeyRepository
		usageRepo usage.Writer
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		logger.Info("Connected to PostgreSQL")

		if err := database.RunMigrations(cfg.Database); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("Database migrations completed")

		keyRepo = repository.NewAPIKeyRepository(db.Pool())
		usageRepo = repository.NewUsageRepository(db.Pool())
		ready["database"] = db.Ping
	default:
		logger.Warn("Using in-memory stores; keys are lost on restart")
		keyRepo = repository.NewMemoryAPIKeyRepository()
		usageRepo = repository.NewMemoryUsageRepository()
	}

	// Replay cache
	var store replay.Store
	switch cfg.Auth.ReplayBackend {
	case "redis":
		rdb, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		logger.Info("Connected to Redis")

		store = replay.NewRedisStore(rdb.Client(), "devoter:replay:")
		ready["redis"] = rdb.Ping
	default:
		cache := replay.NewMemoryCache(cfg.Auth.ReplayCleanupInterval, replay.WithLogger(logger))
		cache.Start()
		defer cache.Stop()
		store = cache
	}

	verifier := wallet.NewVerifier(wallet.WithStrictChecksum(cfg.Auth.StrictChecksum))
	guard := replay.NewGuard(store,
		replay.WithMaxAge(cfg.Auth.MaxSignatureAge()),
		replay.WithGuardLogger(logger),
	)

	keys := service.NewAPIKeyService(keyRepo,
		service.WithPrefix(cfg.APIKey.Prefix),
		service.WithMaxActive(cfg.APIKey.MaxActive),
		service.WithStrictFormat(cfg.APIKey.StrictFormat),
		service.WithLogger(logger),
	)

	tiers := ratelimit.TiersFromConfig(cfg.RateLimit)
	governor := ratelimit.NewGovernor(tiers,
		ratelimit.WithEventCapacity(cfg.RateLimit.EventCapacity),
		ratelimit.WithLogger(logger),
	)
	governor.Start()
	defer governor.Stop()

	recorder := usage.NewRecorder(usageRepo,
		usage.WithBatchSize(cfg.Usage.BatchSize),
		usage.WithFlushInterval(cfg.Usage.FlushInterval),
		usage.WithLogger(logger),
	)
	recorder.Start()
	defer recorder.Stop()

	r := handler.NewRouter(handler.RouterDeps{
		Logger:         logger,
		Keys:           keys,
		Verifier:       verifier,
		Guard:          guard,
		Governor:       governor,
		Tiers:          tiers,
		Usage:          recorder,
		AdminWallets:   cfg.Auth.AdminWallets,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Ready:          ready,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutting down server", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("Server error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", slog.String("error", err.Error()))
	}

	// Deferred stops run in reverse: the recorder drains before stores close.
	logger.Info("Server stopped gracefully")
}
