// Package store provides the Data Access Layer (Repository) for the verdict syncer.
// It reads flags and segments from PostgreSQL using the pgx driver and turns
// them into compiled rule engine types.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/verdict/internal/ruleengine"
)

// Compile-time check to verify that PostgresStore implements Repository.
var _ Repository = (*PostgresStore)(nil)

// Repository defines the read operations the syncer needs.
// Using an interface allows for dependency injection and easier mocking in tests.
type Repository interface {
	// LoadFlags returns every compiled flag, ordered by name. Flags that fail
	// to decode or compile are reported in the second return value instead
	// of failing the whole load.
	LoadFlags(ctx context.Context) ([]*ruleengine.Flag, []SkippedFlag, error)

	// LoadSegments returns every segment, ordered by id.
	LoadSegments(ctx context.Context) ([]*ruleengine.Segment, error)
}

// SkippedFlag names a flag left out of a load and why.
type SkippedFlag struct {
	Name string
	Err  error
}

// PostgresStore is the implementation of Repository backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

// flagRow mirrors the 'flags' table.
type flagRow struct {
	Name        string
	DisplayName string
	Description string
	FlagType    string
	VariantType string
	Enabled     bool
	Archived    bool
	Strategies  []byte
	Variants    []byte
}

// environmentRow mirrors the 'flag_environments' table.
type environmentRow struct {
	FlagName    string
	Environment string
	Enabled     *bool
	Strategies  []byte
	Payload     []byte
}

// LoadFlags reads flags and their environment overrides inside one
// read-only repeatable-read transaction, so both queries see the same data.
func (s *PostgresStore) LoadFlags(ctx context.Context) ([]*ruleengine.Flag, []SkippedFlag, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin load transaction: %w", err)
	}
	// Read-only: rollback is the normal way out.
	defer func() { _ = tx.Rollback(ctx) }()

	flagRows, err := queryFlags(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	envRows, err := queryEnvironments(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	envByFlag := make(map[string][]environmentRow, len(flagRows))
	for _, e := range envRows {
		envByFlag[e.FlagName] = append(envByFlag[e.FlagName], e)
	}

	flags := make([]*ruleengine.Flag, 0, len(flagRows))
	var skipped []SkippedFlag
	for _, row := range flagRows {
		flag, err := buildFlag(row, envByFlag[row.Name])
		if err != nil {
			skipped = append(skipped, SkippedFlag{Name: row.Name, Err: err})
			continue
		}
		flags = append(flags, flag)
	}

	return flags, skipped, nil
}

func queryFlags(ctx context.Context, tx pgx.Tx) ([]flagRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT name, display_name, description, flag_type, variant_type,
		       enabled, archived, strategies, variants
		FROM flags
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	// Ensure rows are closed to prevent connection leaks in the pool.
	defer rows.Close()

	var out []flagRow
	for rows.Next() {
		var r flagRow
		if err := rows.Scan(
			&r.Name, &r.DisplayName, &r.Description, &r.FlagType, &r.VariantType,
			&r.Enabled, &r.Archived, &r.Strategies, &r.Variants,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flag rows iteration error: %w", err)
	}
	return out, nil
}

func queryEnvironments(ctx context.Context, tx pgx.Tx) ([]environmentRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT flag_name, environment, enabled, strategies, payload
		FROM flag_environments
		ORDER BY flag_name, environment
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flag environments: %w", err)
	}
	defer rows.Close()

	var out []environmentRow
	for rows.Next() {
		var r environmentRow
		if err := rows.Scan(&r.FlagName, &r.Environment, &r.Enabled, &r.Strategies, &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan flag environment row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flag environment rows iteration error: %w", err)
	}
	return out, nil
}

// buildFlag maps the rows of one flag to a compiled ruleengine.Flag.
func buildFlag(row flagRow, envs []environmentRow) (*ruleengine.Flag, error) {
	flag := &ruleengine.Flag{
		Name:        row.Name,
		Type:        ruleengine.FlagType(row.FlagType),
		DisplayName: row.DisplayName,
		Description: row.Description,
		VariantType: ruleengine.VariantType(row.VariantType),
		Enabled:     row.Enabled,
		Archived:    row.Archived,
	}

	if err := decodeJSONB(row.Strategies, &flag.Strategies); err != nil {
		return nil, fmt.Errorf("strategies: %w", err)
	}
	if err := decodeJSONB(row.Variants, &flag.Variants); err != nil {
		return nil, fmt.Errorf("variants: %w", err)
	}

	if len(envs) > 0 {
		flag.Environments = make(map[string]*ruleengine.EnvironmentConfig, len(envs))
	}
	for _, e := range envs {
		cfg := &ruleengine.EnvironmentConfig{
			Environment: e.Environment,
			Enabled:     e.Enabled,
		}
		// A NULL column leaves Strategies nil (inherit); '[]' yields an
		// empty, non-nil slice.
		if e.Strategies != nil {
			cfg.Strategies = []ruleengine.Strategy{}
			if err := decodeJSONB(e.Strategies, &cfg.Strategies); err != nil {
				return nil, fmt.Errorf("environment %q strategies: %w", e.Environment, err)
			}
		}
		if err := decodeJSONB(e.Payload, &cfg.Payload); err != nil {
			return nil, fmt.Errorf("environment %q payload: %w", e.Environment, err)
		}
		flag.Environments[e.Environment] = cfg
	}

	if _, err := ruleengine.Compile(flag); err != nil {
		return nil, err
	}
	return flag, nil
}

// LoadSegments reads every segment.
func (s *PostgresStore) LoadSegments(ctx context.Context) ([]*ruleengine.Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, constraints
		FROM segments
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []*ruleengine.Segment
	for rows.Next() {
		var (
			seg         ruleengine.Segment
			constraints []byte
		)
		if err := rows.Scan(&seg.ID, &seg.Name, &seg.Description, &constraints); err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		if err := decodeJSONB(constraints, &seg.Constraints); err != nil {
			return nil, fmt.Errorf("segment %q constraints: %w", seg.ID, err)
		}
		segments = append(segments, &seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("segment rows iteration error: %w", err)
	}
	return segments, nil
}

// decodeJSONB unmarshals a jsonb column. NULL and JSON null leave dst untouched.
func decodeJSONB(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
