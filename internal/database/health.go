package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RequiredTables are the tables the snapshot loader reads.
var RequiredTables = []string{"flags", "flag_environments", "segments"}

// ErrPoolNil is returned by a checker built without a pool.
var ErrPoolNil = errors.New("database pool is nil")

// HealthChecker reports PostgreSQL ready once it answers and the rule
// tables exist. A reachable but unmigrated database is not ready.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a checker for the given pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check resolves every required table within ctx.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return ErrPoolNil
	}

	var missing []string
	err := h.pool.QueryRow(ctx,
		`SELECT coalesce(array_agg(t), '{}') FROM unnest($1::text[]) AS t WHERE to_regclass(t) IS NULL`,
		RequiredTables,
	).Scan(&missing)
	if err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema not migrated, missing tables: %v", missing)
	}
	return nil
}
