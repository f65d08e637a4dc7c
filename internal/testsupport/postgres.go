// Package testsupport provides helper functions for spinning up ephemeral
// Docker containers (PostgreSQL, Redis) for integration testing, plus
// fixtures and metric assertions shared by the test suites.
package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rafaeljc/verdict/internal/config"
	"github.com/rafaeljc/verdict/internal/database"
)

// PostgresContainer holds the references to the running Docker container
// and the initialized database connection pool.
type PostgresContainer struct {
	Container        testcontainers.Container
	DB               *pgxpool.Pool
	ConnectionString string
}

// Terminate closes the pool, then stops and removes the docker container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	c.DB.Close()
	return c.Container.Terminate(ctx)
}

// StartPostgresContainer spins up a PostgreSQL 16-alpine container.
// Every .sql file in migrationsDir runs on startup in file name order, so
// the test database matches the production schema.
func StartPostgresContainer(ctx context.Context, migrationsDir string) (*PostgresContainer, error) {
	absPath, err := filepath.Abs(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	migrationFiles, err := getMigrationFiles(absPath)
	if err != nil {
		return nil, err
	}
	if len(migrationFiles) == 0 {
		return nil, fmt.Errorf("no migration files found in %s", absPath)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("verdict_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpassword"),
		postgres.WithInitScripts(migrationFiles...),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
		URL:              connStr,
		MaxConns:         5,
		MinConns:         1,
		MaxConnLifetime:  30 * time.Minute,
		MaxConnIdleTime:  5 * time.Minute,
		ConnectTimeout:   5 * time.Second,
		StatementTimeout: 10 * time.Second,
		PingMaxRetries:   5,
		PingBackoff:      500 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	return &PostgresContainer{
		Container:        pgContainer,
		DB:               pool,
		ConnectionString: connStr,
	}, nil
}

// getMigrationFiles returns the sorted absolute paths of the .sql files in dir.
func getMigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(files)

	return files, nil
}

// FlagFixture is a row of the flags table. Empty JSON fields use the
// column defaults.
type FlagFixture struct {
	Name        string
	FlagType    string
	VariantType string
	Enabled     bool
	Archived    bool
	Strategies  string
	Variants    string
}

// SeedFlag upserts a flag row.
func SeedFlag(ctx context.Context, db *pgxpool.Pool, f FlagFixture) error {
	_, err := db.Exec(ctx, `
		INSERT INTO flags (name, flag_type, variant_type, enabled, archived, strategies, variants)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
		ON CONFLICT (name) DO UPDATE SET
			flag_type = EXCLUDED.flag_type,
			variant_type = EXCLUDED.variant_type,
			enabled = EXCLUDED.enabled,
			archived = EXCLUDED.archived,
			strategies = EXCLUDED.strategies,
			variants = EXCLUDED.variants,
			updated_at = now()
	`, f.Name, orDefault(f.FlagType, "release"), f.VariantType, f.Enabled, f.Archived,
		orDefault(f.Strategies, "[]"), orDefault(f.Variants, "[]"))
	if err != nil {
		return fmt.Errorf("failed to seed flag %q: %w", f.Name, err)
	}
	return nil
}

// SeedEnvironment upserts an environment override. An empty strategies
// string stores NULL (inherit).
func SeedEnvironment(ctx context.Context, db *pgxpool.Pool, flag, env string, enabled *bool, strategies string) error {
	var strat *string
	if strategies != "" {
		strat = &strategies
	}
	_, err := db.Exec(ctx, `
		INSERT INTO flag_environments (flag_name, environment, enabled, strategies)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (flag_name, environment) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			strategies = EXCLUDED.strategies,
			updated_at = now()
	`, flag, env, enabled, strat)
	if err != nil {
		return fmt.Errorf("failed to seed environment %q of %q: %w", env, flag, err)
	}
	return nil
}

// SeedSegment upserts a segment row.
func SeedSegment(ctx context.Context, db *pgxpool.Pool, id, name, constraints string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO segments (id, name, constraints)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			constraints = EXCLUDED.constraints,
			updated_at = now()
	`, id, name, orDefault(constraints, "[]"))
	if err != nil {
		return fmt.Errorf("failed to seed segment %q: %w", id, err)
	}
	return nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
