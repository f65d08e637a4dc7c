// Package database provides the PostgreSQL connection factory.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/verdict/internal/config"
	"github.com/rafaeljc/verdict/internal/logger"
	"github.com/rafaeljc/verdict/internal/observability"
)

// NewPostgresPool initializes a PostgreSQL connection pool from cfg.
// It returns the pool directly, allowing the caller to manage the lifecycle via Dependency Injection.
// The initial ping is retried with exponential backoff so the syncer can start
// before the database is reachable.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Pool Tuning
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pingWithRetry(ctx, pool, cfg.PingMaxRetries, cfg.PingBackoff, cfg.ConnectTimeout); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, maxRetries int, backoff, timeout time.Duration) error {
	log := logger.FromContext(ctx)
	maxRetries = max(maxRetries, 1)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = pool.Ping(pingCtx)
		cancel()

		if lastErr == nil {
			log.Info("postgres ping successful", slog.Int("attempt", attempt))
			return nil
		}

		log.Warn("postgres ping failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.Any("error", lastErr),
		)
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to ping database: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("failed to ping database after %d attempts: %w", maxRetries, lastErr)
}

// RunPoolMonitor samples pool statistics every interval and exports them
// as Prometheus metrics. It blocks until ctx is cancelled.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var acquired, acquireSeconds, waited float64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()

			observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
			observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
			observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))
			observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))

			acquired = observability.AddDelta(observability.DatabasePoolAcquireCount, acquired, float64(stat.AcquireCount()))
			acquireSeconds = observability.AddDelta(observability.DatabasePoolAcquireDuration, acquireSeconds, stat.AcquireDuration().Seconds())
			waited = observability.AddDelta(observability.DatabasePoolWaitCount, waited, float64(stat.EmptyAcquireCount()))
		}
	}
}
