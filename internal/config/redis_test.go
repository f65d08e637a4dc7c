package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisConfig_Validation(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name: "Should load snapshot key, channel and ping settings",
			envVars: mergeEnvVars(map[string]string{
				"VERDICT_REDIS_SNAPSHOT_KEY":     "flags:snap",
				"VERDICT_REDIS_UPDATES_CHANNEL":  "flags:updates",
				"VERDICT_REDIS_PING_MAX_RETRIES": "8",
				"VERDICT_REDIS_PING_BACKOFF":     "3s",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "flags:snap", cfg.Redis.SnapshotKey)
				assert.Equal(t, "flags:updates", cfg.Redis.UpdatesChannel)
				assert.Equal(t, 8, cfg.Redis.PingMaxRetries)
				assert.Equal(t, 3*time.Second, cfg.Redis.PingBackoff)
				assert.Equal(t, "localhost:6379", cfg.Redis.Address())
			},
		},
		{
			name: "Should fail when snapshot key and channel collide",
			envVars: mergeEnvVars(map[string]string{
				"VERDICT_REDIS_SNAPSHOT_KEY":    "same",
				"VERDICT_REDIS_UPDATES_CHANNEL": "same",
			}),
			wantErr: true,
		},
		{
			name:    "Should fail validation with PingMaxRetries < 1",
			envVars: mergeEnvVars(map[string]string{"VERDICT_REDIS_PING_MAX_RETRIES": "0"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation with invalid PingBackoff duration",
			envVars: mergeEnvVars(map[string]string{"VERDICT_REDIS_PING_BACKOFF": "notaduration"}),
			wantErr: true,
		},
		{
			name: "Should fail validation when Redis password missing in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				delete(cfg, "VERDICT_REDIS_PASSWORD")
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "Should fail validation when Redis TLS disabled in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				cfg["VERDICT_REDIS_TLS_ENABLED"] = "false"
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "Should pass validation with Redis URL in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				delete(cfg, "VERDICT_REDIS_HOST")
				delete(cfg, "VERDICT_REDIS_PASSWORD")
				delete(cfg, "VERDICT_REDIS_TLS_ENABLED")
				cfg["VERDICT_REDIS_URL"] = "rediss://:password@redis.example.com:6379/0"
				return cfg
			}(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "rediss://:password@redis.example.com:6379/0", cfg.Redis.Address())
				assert.True(t, cfg.Redis.IsConfigured())
			},
		},
		{
			name:    "Should fail on Redis URL with database out of range",
			envVars: map[string]string{"VERDICT_REDIS_URL": "redis://localhost:6379/16"},
			wantErr: true,
		},
		{
			name:    "Should fail on Redis URL with non numeric database",
			envVars: map[string]string{"VERDICT_REDIS_URL": "redis://localhost:6379/zero"},
			wantErr: true,
		},
		{
			name: "Should fail when min idle conns exceed pool size",
			envVars: mergeEnvVars(map[string]string{
				"VERDICT_REDIS_POOL_SIZE":      "2",
				"VERDICT_REDIS_MIN_IDLE_CONNS": "5",
			}),
			wantErr: true,
		},
	})
}
