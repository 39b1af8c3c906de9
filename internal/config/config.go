// Package config loads process-wide settings from the environment and builds
// the structured logger.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultJournalPath = "simproxy.db"
	defaultDeployer    = "exec"
	defaultEngine      = "memory"
	defaultWorkerPath  = "simworker"

	envListenAddr  = "SIMPROXY_LISTEN_ADDR"
	envJournalPath = "SIMPROXY_JOURNAL_PATH"
	envLogLevel    = "SIMPROXY_LOG_LEVEL"
	envDeployer    = "SIMPROXY_DEPLOYER"
	envEngine      = "SIMPROXY_ENGINE"
	envWorkerPath  = "SIMPROXY_WORKER_PATH"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// ListenAddr is the admin HTTP address. Empty disables the admin server.
	ListenAddr string

	// JournalPath is the SQLite call journal. Empty disables the journal.
	JournalPath string

	LogLevel slog.Level

	// Deployer names the registered deployer used to start workers.
	Deployer string

	// Engine is the engine the worker serves.
	Engine string

	// WorkerPath is the worker binary (or rootfs image for firecracker).
	WorkerPath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		JournalPath: defaultJournalPath,
		LogLevel:    slog.LevelInfo,
		Deployer:    defaultDeployer,
		Engine:      defaultEngine,
		WorkerPath:  defaultWorkerPath,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv(envJournalPath); ok {
		cfg.JournalPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDeployer); v != "" {
		cfg.Deployer = v
	}
	if v := os.Getenv(envEngine); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv(envWorkerPath); v != "" {
		cfg.WorkerPath = v
	}

	return cfg
}

// ParseLogLevel maps a level name to a slog level; unknown names are info.
func ParseLogLevel(s string) slog.Level {
	return parseLogLevel(s)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
