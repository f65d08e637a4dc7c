// Package main initializes and runs the verdict evaluation API.
//
// It acts as the composition root: it loads the rule snapshot from Redis,
// keeps it fresh, and serves evaluations over HTTP.
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

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/config"
	"github.com/rafaeljc/verdict/internal/evalapi"
	"github.com/rafaeljc/verdict/internal/logger"
	"github.com/rafaeljc/verdict/internal/observability"
	"github.com/rafaeljc/verdict/internal/ruleengine"
	"github.com/rafaeljc/verdict/internal/snapshot"
)

// main is the application entrypoint.
func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the service lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger := logger.New(&cfg.App)
	slog.SetDefault(appLogger)
	cfg.LogConfig(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure Setup
	// -------------------------------------------------------------------------
	redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	snapshots := cache.NewRedisCache(redisClient, cfg.Redis.SnapshotKey, cfg.Redis.UpdatesChannel)

	var results *cache.ResultCache
	if cfg.Engine.ResultCacheEnabled {
		results, err = cache.NewResultCache(cfg.Engine.ResultCacheCapacity, cfg.Engine.ResultCacheTTL)
		if err != nil {
			return fmt.Errorf("failed to create result cache: %w", err)
		}
		defer results.Close()
	}

	// -------------------------------------------------------------------------
	// 3. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	holder := snapshot.NewHolder(func(*ruleengine.Snapshot) {
		if results != nil {
			results.Purge()
		}
	})
	refresher := snapshot.NewRefresher(appLogger.With(slog.String("component", "refresher")),
		snapshots, holder, cfg.Engine.RefreshInterval)

	engine := ruleengine.New(appLogger.With(slog.String("component", "engine")),
		ruleengine.WithBatchConcurrency(cfg.Engine.BatchConcurrency))

	api := evalapi.NewAPI(appLogger, engine, holder, results, evalapi.Options{
		MaxBodyBytes:  cfg.Server.HTTP.MaxBodyBytes,
		MaxBatchCells: cfg.Engine.MaxBatchCells,
	})

	obsServer := observability.NewServer(appLogger, &cfg.Observability,
		cache.NewHealthChecker(redisClient),
		holder,
	)
	obsServer.Start()

	// -------------------------------------------------------------------------
	// 4. Background Workers
	// -------------------------------------------------------------------------
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go func() { _ = refresher.Run(workerCtx) }()
	go cache.RunPoolMonitor(workerCtx, redisClient, cfg.Observability.CollectInterval)
	if results != nil {
		go results.RunMetricsCollector(workerCtx, cfg.Observability.CollectInterval)
	}

	// -------------------------------------------------------------------------
	// 5. HTTP Server
	// -------------------------------------------------------------------------
	httpCfg := cfg.Server.HTTP
	server := &http.Server{
		Addr:              httpCfg.Address(),
		Handler:           api,
		ReadTimeout:       httpCfg.ReadTimeout,
		ReadHeaderTimeout: httpCfg.ReadHeaderTimeout,
		WriteTimeout:      httpCfg.WriteTimeout,
		IdleTimeout:       httpCfg.IdleTimeout,
		MaxHeaderBytes:    httpCfg.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(appLogger.Handler(), slog.LevelError),
	}

	errChan := make(chan error, 1)
	go func() {
		appLogger.Info("evaluation API listening", slog.String("addr", server.Addr), slog.Bool("tls", httpCfg.TLSEnabled))
		var err error
		if httpCfg.TLSEnabled {
			err = server.ListenAndServeTLS(httpCfg.TLSCert, httpCfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("failed to serve http: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// 6. Graceful Shutdown
	// -------------------------------------------------------------------------
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		appLogger.Info("shutdown signal received, draining requests...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http server shutdown failed", slog.String("error", err.Error()))
	}
	cancelWorkers()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	appLogger.Info("service exited successfully")
	return nil
}
