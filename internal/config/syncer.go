package config

import "time"

// SyncerConfig contains configuration for the snapshot syncer worker.
type SyncerConfig struct {
	// Interval is the delay between two snapshot builds.
	Interval time.Duration `envconfig:"INTERVAL" default:"5s" validate:"gt=0"`

	// LoadTimeout bounds one load of flags and segments from PostgreSQL.
	LoadTimeout time.Duration `envconfig:"LOAD_TIMEOUT" default:"10s" validate:"gt=0"`

	// PublishTimeout bounds one publication to Redis.
	PublishTimeout time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"5s" validate:"gt=0"`

	// MaxRetries and BaseRetryDelay drive the exponential backoff of a
	// failing publication within one cycle.
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	BaseRetryDelay time.Duration `envconfig:"BASE_RETRY_DELAY" default:"500ms" validate:"gt=0"`
}
