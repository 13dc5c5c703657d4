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

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
remote:
  driver: memory
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 35, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour}, cfg.Sync.RetryLadder)
	assert.Equal(t, 60*time.Second, cfg.Sync.OnlineInterval)
	assert.Equal(t, 300*time.Second, cfg.Sync.RecoveryInterval)
	assert.Equal(t, 10*time.Second, cfg.Sync.OfflineInterval)
	assert.Equal(t, 100, cfg.Sync.RecoveryThreshold)
	assert.Equal(t, 50, cfg.Sync.DrainThreshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.Remote.MinCallDelay)
	assert.Equal(t, 500, cfg.Events.MaxCommentLength)
	assert.Equal(t, 30*24*time.Hour, cfg.Events.Retention)
	assert.Equal(t, time.Hour, cfg.Server.LivenessTimeout)
	assert.Equal(t, "Почта", cfg.Groups.Prefixes["mail"])
	assert.NotEmpty(t, cfg.FallbackStoragePath)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
env: test
remote:
  driver: memory
  timezone: UTC
sync:
  batch_size: 10
  retry_ladder: [1s, 2s]
groups:
  default: Support
  prefixes:
    help: Support
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.Sync.RetryLadder)
	assert.Equal(t, "Support", cfg.Groups.Default)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
remote:
  driver: memory
sync:
  batch_size: 10
`)
	t.Setenv("WORKTIME_SYNC_BATCH_SIZE", "20")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Sync.BatchSize)
}

func TestValidateRejectsInconsistentValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"sheets without spreadsheet", "remote:\n  driver: sheets\n"},
		{"postgres without dsn", "remote:\n  driver: postgres\n"},
		{"unknown driver", "remote:\n  driver: carrier-pigeon\n"},
		{"drain above recovery", "remote:\n  driver: memory\nsync:\n  drain_threshold: 200\n"},
		{"decreasing ladder", "remote:\n  driver: memory\nsync:\n  retry_ladder: [5m, 1m]\n"},
		{"bad timezone", "remote:\n  driver: memory\n  timezone: Mars/Olympus\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestLoadConfigWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("WORKTIME_REMOTE_DRIVER", "memory")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Remote.Driver)
	assert.Equal(t, "local", cfg.Env)
}
