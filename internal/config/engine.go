package config

import (
	"fmt"
	"time"
)

// EngineConfig tunes evaluation in the API process.
type EngineConfig struct {
	// ResultCacheEnabled turns on memoization of deterministic results.
	ResultCacheEnabled bool `envconfig:"RESULT_CACHE_ENABLED" default:"true"`

	// ResultCacheCapacity is the maximum number of memoized results.
	ResultCacheCapacity int `envconfig:"RESULT_CACHE_CAPACITY" default:"100000" validate:"min=1"`

	// ResultCacheTTL bounds how long one result is reused. Entries are also
	// keyed by snapshot version, so a new snapshot never serves stale results.
	ResultCacheTTL time.Duration `envconfig:"RESULT_CACHE_TTL" default:"60s" validate:"gt=0"`

	// RefreshInterval is the fallback poll interval for new snapshots when
	// no pub/sub notification arrives.
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"30s" validate:"gt=0"`

	// BatchConcurrency bounds parallel evaluation within one batch request.
	BatchConcurrency int `envconfig:"BATCH_CONCURRENCY" default:"8" validate:"min=1"`

	// MaxBatchCells caps flags x environments in one batch request.
	MaxBatchCells int `envconfig:"MAX_BATCH_CELLS" default:"1000" validate:"min=1"`
}

// Validate checks cross-field constraints validator tags cannot express.
func (c *EngineConfig) Validate() error {
	if c.BatchConcurrency > c.MaxBatchCells {
		return fmt.Errorf("batch_concurrency (%d) cannot be greater than max_batch_cells (%d)",
			c.BatchConcurrency, c.MaxBatchCells)
	}
	return nil
}
