// Package config loads sidecar configuration from the environment and from
// YAML policy profiles.
package config

import (
	"os"
	"strconv"
)

// Config holds sidecar runtime configuration.
type Config struct {
	LogLevel       string
	LedgerPath     string // SQLite file; empty keeps the ledger in memory only
	RedisAddr      string // distributed slot store; empty uses local semaphores
	ProfilePath    string // YAML policy profile; empty uses built-in defaults
	OTLPEndpoint   string
	TelemetryOn    bool
	DefaultTimeout int // execution timeout in milliseconds
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() *Config {
	logLevel := os.Getenv("SIDECAR_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	timeout := 30000
	if raw := os.Getenv("SIDECAR_EXEC_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			timeout = v
		}
	}

	return &Config{
		LogLevel:       logLevel,
		LedgerPath:     os.Getenv("SIDECAR_LEDGER_PATH"),
		RedisAddr:      os.Getenv("SIDECAR_REDIS_ADDR"),
		ProfilePath:    os.Getenv("SIDECAR_PROFILE_PATH"),
		OTLPEndpoint:   os.Getenv("SIDECAR_OTLP_ENDPOINT"),
		TelemetryOn:    os.Getenv("SIDECAR_TELEMETRY") == "true",
		DefaultTimeout: timeout,
	}
}
