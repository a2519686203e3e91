// Package config loads the typed configuration surface described in the
// external-interfaces section: connection, document, and sync settings,
// each with defaults and an environment-variable override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Connection mirrors the connection configuration surface.
type Connection struct {
	URL               string
	Protocols         []string
	Reconnect         bool
	ReconnectAttempts int
	ReconnectInterval time.Duration
	ReconnectBackoff  bool
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

// Document mirrors the document configuration surface.
type Document struct {
	NodeID          string
	PreserveHistory bool
	MaxHistorySize  int
	AutoGC          bool
}

// Sync mirrors the sync configuration surface.
type Sync struct {
	SyncInterval  time.Duration
	BatchSize     int
	RetryAttempts int
	RetryDelay    time.Duration
}

// Config is the full typed configuration surface for one peer.
type Config struct {
	Connection Connection
	Document   Document
	Sync       Sync
	LogLevel   string
	LogFormat  string
}

// Default returns the configuration with every defaulted value applied and
// no NodeID or URL set — callers must fill those in (NodeID is required).
func Default() Config {
	return Config{
		Connection: Connection{
			Reconnect:         true,
			ReconnectAttempts: 5,
			ReconnectInterval: time.Second,
			ReconnectBackoff:  true,
			HeartbeatInterval: 30 * time.Second,
			Timeout:           10 * time.Second,
		},
		Document: Document{
			PreserveHistory: true,
			MaxHistorySize:  1000,
			AutoGC:          true,
		},
		Sync: Sync{
			SyncInterval:  time.Second,
			BatchSize:     50,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load starts from Default and overrides every field an environment
// variable is set for. NODE_ID is required.
func Load() (Config, error) {
	cfg := Default()

	cfg.Connection.URL = getEnv("URL", cfg.Connection.URL)
	cfg.Connection.Reconnect = getEnvBool("RECONNECT", cfg.Connection.Reconnect)
	cfg.Connection.ReconnectAttempts = getEnvInt("RECONNECT_ATTEMPTS", cfg.Connection.ReconnectAttempts)
	cfg.Connection.ReconnectInterval = getEnvMillis("RECONNECT_INTERVAL_MS", cfg.Connection.ReconnectInterval)
	cfg.Connection.ReconnectBackoff = getEnvBool("RECONNECT_BACKOFF", cfg.Connection.ReconnectBackoff)
	cfg.Connection.HeartbeatInterval = getEnvMillis("HEARTBEAT_INTERVAL_MS", cfg.Connection.HeartbeatInterval)
	cfg.Connection.Timeout = getEnvMillis("TIMEOUT_MS", cfg.Connection.Timeout)

	cfg.Document.NodeID = getEnv("NODE_ID", cfg.Document.NodeID)
	cfg.Document.PreserveHistory = getEnvBool("PRESERVE_HISTORY", cfg.Document.PreserveHistory)
	cfg.Document.MaxHistorySize = getEnvInt("MAX_HISTORY_SIZE", cfg.Document.MaxHistorySize)
	cfg.Document.AutoGC = getEnvBool("AUTO_GC", cfg.Document.AutoGC)

	cfg.Sync.SyncInterval = getEnvMillis("SYNC_INTERVAL_MS", cfg.Sync.SyncInterval)
	cfg.Sync.BatchSize = getEnvInt("BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", cfg.Sync.RetryAttempts)
	cfg.Sync.RetryDelay = getEnvMillis("RETRY_DELAY_MS", cfg.Sync.RetryDelay)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants Load cannot enforce via defaults alone.
func (c Config) Validate() error {
	if c.Document.NodeID == "" {
		return fmt.Errorf("config: NODE_ID is required")
	}
	if c.Document.MaxHistorySize <= 0 {
		return fmt.Errorf("config: document.maxHistorySize must be positive, got %d", c.Document.MaxHistorySize)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batchSize must be positive, got %d", c.Sync.BatchSize)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvMillis parses key as an integer count of milliseconds, matching the
// *_MS naming convention of the external configuration surface.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
