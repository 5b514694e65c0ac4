// Package config loads stowage configuration from the environment and builds
// the structured logger shared by every component.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultFallbackStorage = "memory"
	defaultWorkerPath      = "stowage-worker"
	defaultWorkerTimeout   = 30 * time.Second

	envListenAddr      = "STOWAGE_LISTEN_ADDR"
	envDefaultStorage  = "STOWAGE_DEFAULT_STORAGE"
	envFallbackStorage = "STOWAGE_FALLBACK_STORAGE"
	envDataDir         = "STOWAGE_DATA_DIR"
	envLogLevel        = "STOWAGE_LOG_LEVEL"
	envWorkerPath      = "STOWAGE_WORKER_PATH"
	envWorkerTimeout   = "STOWAGE_WORKER_TIMEOUT"
	envSandboxed       = "STOWAGE_SANDBOXED"
	envRedisAddr       = "STOWAGE_REDIS_ADDR"
	envPostgresDSN     = "STOWAGE_POSTGRES_DSN"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string

	// DefaultStorage names the backend selected at startup. It has no
	// default: an unset value fails startup rather than picking an engine.
	DefaultStorage string

	// FallbackStorage replaces a worker-mode default on sandboxed platforms.
	FallbackStorage string

	// DataDir holds on-disk engine files. Empty keeps every engine in memory
	// or in a temporary directory.
	DataDir string

	LogLevel slog.Level

	// WorkerPath is the worker binary launched for exec-transport backends.
	WorkerPath string

	// WorkerTimeout applies to worker calls without a deadline; zero disables it.
	WorkerTimeout time.Duration

	// Sandboxed marks a platform that cannot spawn worker processes.
	Sandboxed bool

	RedisAddr   string
	PostgresDSN string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed durations, booleans and log levels are reported rather than
// ignored.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		FallbackStorage: defaultFallbackStorage,
		LogLevel:        slog.LevelInfo,
		WorkerPath:      defaultWorkerPath,
		WorkerTimeout:   defaultWorkerTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDefaultStorage); v != "" {
		cfg.DefaultStorage = v
	}
	if v := os.Getenv(envFallbackStorage); v != "" {
		cfg.FallbackStorage = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envLogLevel, err)
		}
		cfg.LogLevel = level
	}
	if v := os.Getenv(envWorkerPath); v != "" {
		cfg.WorkerPath = v
	}
	if v := os.Getenv(envWorkerTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", envWorkerTimeout, v)
		}
		cfg.WorkerTimeout = d
	}
	if v := os.Getenv(envSandboxed); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid boolean %q", envSandboxed, v)
		}
		cfg.Sandboxed = b
	}
	cfg.DataDir = os.Getenv(envDataDir)
	cfg.RedisAddr = os.Getenv(envRedisAddr)
	cfg.PostgresDSN = os.Getenv(envPostgresDSN)

	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
