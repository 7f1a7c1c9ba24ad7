package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 65*time.Second, cfg.Rotation.RateLimitCooldown)
	assert.Equal(t, 10*time.Second, cfg.Rotation.CooldownMin)
	assert.Equal(t, 20*time.Second, cfg.Rotation.CooldownMax)
	assert.Equal(t, 3, cfg.Rotation.MaxAttempts)
	assert.Equal(t, 2, cfg.Proxies.FailureThreshold)
	assert.Equal(t, 8, cfg.Fingerprints.PoolSize)
	assert.Equal(t, "x-goog-api-key", cfg.Upstream.KeyHeader)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
rotation:
  cooldown_min: 1s
  cooldown_max: 3s
proxies:
  list:
    - http://10.0.0.1:3128
    - socks5://10.0.0.2:1080
accounts:
  - id: team-a
    keys: [k1, k2]
  - id: team-b
    keys: [k3]
`)
	t.Setenv("KEYSWEEP_SERVER_PORT", "9090")
	t.Setenv("KEYSWEEP_ROTATION_MAX_ATTEMPTS", "5")
	t.Setenv("DATABASE_URL", "postgres://localhost/keysweep")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Rotation.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Rotation.CooldownMin)
	assert.Equal(t, "postgres://localhost/keysweep", cfg.Store.DatabaseURL)
	assert.Len(t, cfg.Proxies.List, 2)
	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "team-a", cfg.Accounts[0].ID)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Accounts[0].Keys)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"cooldown bounds", "rotation:\n  cooldown_min: 30s\n  cooldown_max: 10s\n"},
		{"pool size", "fingerprints:\n  pool_size: 0\n"},
		{"attempts", "rotation:\n  max_attempts: 0\n"},
		{"threshold", "proxies:\n  failure_threshold: 0\n"},
		{"driver", "store:\n  driver: sqlite\n"},
		{"postgres without url", "store:\n  driver: postgres\n"},
		{"duplicate account", "accounts:\n  - id: a\n  - id: a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
