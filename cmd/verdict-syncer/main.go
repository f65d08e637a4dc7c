// Package main initializes and runs the verdict syncer worker.
//
// It builds rule snapshots from PostgreSQL and publishes them to Redis for
// the evaluation API replicas.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/config"
	"github.com/rafaeljc/verdict/internal/database"
	"github.com/rafaeljc/verdict/internal/logger"
	"github.com/rafaeljc/verdict/internal/observability"
	"github.com/rafaeljc/verdict/internal/store"
	"github.com/rafaeljc/verdict/internal/syncer"
)

// main is the application entrypoint.
func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the worker lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.Database.IsConfigured() {
		return errors.New("the syncer requires a database (VERDICT_DB_URL or VERDICT_DB_HOST)")
	}

	appLogger := logger.New(&cfg.App)
	slog.SetDefault(appLogger)
	cfg.LogConfig(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure Setup
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// -------------------------------------------------------------------------
	// 3. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)
	publisher := cache.NewRedisCache(redisClient, cfg.Redis.SnapshotKey, cfg.Redis.UpdatesChannel)
	svc := syncer.New(appLogger.With(slog.String("component", "syncer")), cfg.Syncer, repo, publisher)

	obsServer := observability.NewServer(appLogger, &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(redisClient),
	)
	obsServer.Start()

	go database.RunPoolMonitor(ctx, pool, cfg.Observability.CollectInterval)
	go cache.RunPoolMonitor(ctx, redisClient, cfg.Observability.CollectInterval)

	// -------------------------------------------------------------------------
	// 4. Run until a shutdown signal arrives
	// -------------------------------------------------------------------------
	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("syncer stopped: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	appLogger.Info("worker exited successfully")
	return nil
}
