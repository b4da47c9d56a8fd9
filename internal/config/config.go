// Package config provides environment-driven configuration.
package config

import (
	"os"
	"strconv"
)

// Defaults.
const (
	DefaultListenAddr         = ":8091"
	DefaultDataDir            = "./data"
	DefaultBatchSize          = 500
	DefaultSingleShotMaxBytes = 100 << 20 // 100 MiB
	DefaultLogLevel           = "INFO"
)

// Config holds runtime settings for the ChatVault backend.
type Config struct {
	ListenAddr string
	DataDir    string
	// BatchSize bounds how many parsed entries are committed per transaction.
	BatchSize int
	// SingleShotMaxBytes is the upper size for the direct (non-chunked)
	// upload path.
	SingleShotMaxBytes int64
	LogLevel           string
}

// Load reads configuration from CHATVAULT_* environment variables,
// falling back to defaults.
func Load() *Config {
	return &Config{
		ListenAddr:         envString("CHATVAULT_LISTEN_ADDR", DefaultListenAddr),
		DataDir:            envString("CHATVAULT_DATA_DIR", DefaultDataDir),
		BatchSize:          envInt("CHATVAULT_BATCH_SIZE", DefaultBatchSize),
		SingleShotMaxBytes: envInt64("CHATVAULT_SINGLE_SHOT_MAX_BYTES", DefaultSingleShotMaxBytes),
		LogLevel:           envString("CHATVAULT_LOG_LEVEL", DefaultLogLevel),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
