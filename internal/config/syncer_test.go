package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncerConfig_Validation(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name: "Should pass validation with syncer configuration",
			envVars: mergeEnvVars(map[string]string{
				"VERDICT_SYNCER_INTERVAL":         "15s",
				"VERDICT_SYNCER_LOAD_TIMEOUT":     "20s",
				"VERDICT_SYNCER_PUBLISH_TIMEOUT":  "2s",
				"VERDICT_SYNCER_MAX_RETRIES":      "5",
				"VERDICT_SYNCER_BASE_RETRY_DELAY": "1s",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 15*time.Second, cfg.Syncer.Interval)
				assert.Equal(t, 20*time.Second, cfg.Syncer.LoadTimeout)
				assert.Equal(t, 2*time.Second, cfg.Syncer.PublishTimeout)
				assert.Equal(t, 5, cfg.Syncer.MaxRetries)
				assert.Equal(t, time.Second, cfg.Syncer.BaseRetryDelay)
			},
		},
		{
			name:    "Should fail validation when syncer interval is zero",
			envVars: mergeEnvVars(map[string]string{"VERDICT_SYNCER_INTERVAL": "0s"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation when syncer MaxRetries is negative",
			envVars: mergeEnvVars(map[string]string{"VERDICT_SYNCER_MAX_RETRIES": "-1"}),
			wantErr: true,
		},
	})
}
