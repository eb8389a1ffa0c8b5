package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Auth.MaxSignatureAgeMinutes)
	assert.Equal(t, 5*time.Minute, cfg.Auth.MaxSignatureAge())
	assert.Equal(t, time.Minute, cfg.Auth.ReplayCleanupInterval)
	assert.Equal(t, "memory", cfg.Auth.ReplayBackend)
	assert.Equal(t, "dv", cfg.APIKey.Prefix)
	assert.Equal(t, 3, cfg.APIKey.MaxActive)
	assert.Equal(t, 100, cfg.RateLimit.GeneralMax)
	assert.Equal(t, 10, cfg.RateLimit.AuthMax)
	assert.Equal(t, 3, cfg.RateLimit.KeyCreationMax)
	assert.Equal(t, 5, cfg.RateLimit.RegistrationMax)
	assert.Equal(t, 200, cfg.RateLimit.HealthMax)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 50, cfg.Usage.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Usage.FlushInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DEVOTER_AUTH_MAX_SIGNATURE_AGE_MINUTES", "10")
	t.Setenv("DEVOTER_RATELIMIT_AUTH_MAX", "25")
	t.Setenv("DEVOTER_USAGE_BATCH_SIZE", "7")
	t.Setenv("DEVOTER_DATABASE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Auth.MaxSignatureAge())
	assert.Equal(t, 25, cfg.RateLimit.AuthMax)
	assert.Equal(t, 7, cfg.Usage.BatchSize)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"zero signature age", "DEVOTER_AUTH_MAX_SIGNATURE_AGE_MINUTES", "0", "max_signature_age_minutes"},
		{"unknown replay backend", "DEVOTER_AUTH_REPLAY_BACKEND", "memcached", "replay_backend"},
		{"unknown database driver", "DEVOTER_DATABASE_DRIVER", "sqlite", "database.driver"},
		{"negative tier", "DEVOTER_RATELIMIT_GENERAL_MAX", "-1", "general_max"},
		{"zero batch", "DEVOTER_USAGE_BATCH_SIZE", "0", "batch_size"},
		{"prefix with digit", "DEVOTER_APIKEY_PREFIX", "dv2", "apikey.prefix"},
		{"prefix with underscore", "DEVOTER_APIKEY_PREFIX", "dv_x", "apikey.prefix"},
		{"single letter prefix", "DEVOTER_APIKEY_PREFIX", "d", "apikey.prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
