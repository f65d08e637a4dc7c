package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig provides the Redis config every service needs.
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"VERDICT_REDIS_HOST": "localhost",
		"VERDICT_REDIS_PORT": "6379",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration.
func validProductionConfig() map[string]string {
	return map[string]string{
		"VERDICT_APP_ENV": "production",

		"VERDICT_DB_HOST":     "prod-db.example.com",
		"VERDICT_DB_PORT":     "5432",
		"VERDICT_DB_NAME":     "verdict",
		"VERDICT_DB_USER":     "verdict_syncer",
		"VERDICT_DB_PASSWORD": "SuperSecure123!",
		"VERDICT_DB_SSL_MODE": "require",

		"VERDICT_REDIS_HOST":        "prod-redis.example.com",
		"VERDICT_REDIS_PORT":        "6379",
		"VERDICT_REDIS_PASSWORD":    "RedisSecure123!",
		"VERDICT_REDIS_TLS_ENABLED": "true",

		"VERDICT_SERVER_HTTP_TLS_ENABLED":   "true",
		"VERDICT_SERVER_HTTP_TLS_CERT_FILE": "/certs/api-cert.pem",
		"VERDICT_SERVER_HTTP_TLS_KEY_FILE":  "/certs/api-key.pem",
	}
}

// runLoadCases sets the env vars of each case and runs Load.
func runLoadCases(t *testing.T, tests []loadCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv prevents parallel execution and cleans up after the test
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}

type loadCase struct {
	name    string
	envVars map[string]string
	want    func(t *testing.T, cfg *Config)
	wantErr bool
}

func TestLoad(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should use defaults when no optional env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "verdict", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, []string{"email", "ip", "password"}, cfg.App.LogRedactFields)
				assert.Equal(t, "8080", cfg.Server.HTTP.Port)
				assert.Equal(t, "9090", cfg.Observability.Port)
				assert.False(t, cfg.Database.IsConfigured())
			},
		},
		{
			name: "Should load all custom environment variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"VERDICT_APP_NAME":              "verdict-api",
				"VERDICT_APP_VERSION":           "1.0.0",
				"VERDICT_APP_ENV":               "staging",
				"VERDICT_APP_LOG_LEVEL":         "debug",
				"VERDICT_APP_LOG_FORMAT":        "json",
				"VERDICT_APP_SHUTDOWN_TIMEOUT":  "60s",
				"VERDICT_APP_LOG_REDACT_FIELDS": "email,phone",
				"VERDICT_SERVER_HTTP_PORT":      "8081",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "verdict-api", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, []string{"email", "phone"}, cfg.App.LogRedactFields)
				assert.Equal(t, "8081", cfg.Server.HTTP.Port)
			},
		},
		{
			name:    "Should fail when Redis is not configured",
			envVars: map[string]string{"VERDICT_APP_ENV": "development"},
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{"VERDICT_APP_ENV": "invalid"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{"VERDICT_APP_LOG_LEVEL": "trace"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{"VERDICT_APP_LOG_FORMAT": "xml"}),
			wantErr: true,
		},
		{
			name:    "Should fail on unparsable durations",
			envVars: mergeEnvVars(map[string]string{"VERDICT_APP_SHUTDOWN_TIMEOUT": "soon"}),
			wantErr: true,
		},
		{
			name:    "Should pass with a complete production configuration",
			envVars: validProductionConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, EnvironmentProduction, cfg.App.Environment)
				assert.True(t, cfg.Database.IsConfigured())
				assert.True(t, cfg.Server.HTTP.TLSEnabled)
			},
		},
	})
}
