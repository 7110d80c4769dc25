package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 30000, cfg.DefaultTimeout)
	assert.False(t, cfg.TelemetryOn)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SIDECAR_LOG_LEVEL", "DEBUG")
	t.Setenv("SIDECAR_LEDGER_PATH", "/var/lib/sidecar/audit.db")
	t.Setenv("SIDECAR_REDIS_ADDR", "localhost:6379")
	t.Setenv("SIDECAR_EXEC_TIMEOUT_MS", "5000")
	t.Setenv("SIDECAR_TELEMETRY", "true")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/var/lib/sidecar/audit.db", cfg.LedgerPath)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5000, cfg.DefaultTimeout)
	assert.True(t, cfg.TelemetryOn)
}

func TestLoadIgnoresBadTimeout(t *testing.T) {
	t.Setenv("SIDECAR_EXEC_TIMEOUT_MS", "not-a-number")
	cfg := Load()
	require.Equal(t, 30000, cfg.DefaultTimeout)

	t.Setenv("SIDECAR_EXEC_TIMEOUT_MS", "-5")
	cfg = Load()
	require.Equal(t, 30000, cfg.DefaultTimeout)
}
