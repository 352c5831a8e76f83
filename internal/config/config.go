package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "crucible.db"

	envListenAddr = "CRUCIBLE_LISTEN_ADDR"
	envDBPath     = "CRUCIBLE_DB_PATH"
	envLogLevel   = "CRUCIBLE_LOG_LEVEL"

	envMaxConcurrent = "CRUCIBLE_MAX_CONCURRENT"
	envTaskTimeout   = "CRUCIBLE_TASK_TIMEOUT"
	envRetryCount    = "CRUCIBLE_RETRY_COUNT"
	envQueueCapacity = "CRUCIBLE_QUEUE_CAPACITY"
	envTaskLogLevel  = "CRUCIBLE_TASK_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
// LogLevel governs the server's own structured logger; Engine.LogLevel is the
// persistence threshold for task log entries.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	Engine     engine.Settings
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Engine:     engine.DefaultSettings(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	cfg.Engine.MaxConcurrent = parseIntEnv(envMaxConcurrent, cfg.Engine.MaxConcurrent)
	if secs := parseIntEnv(envTaskTimeout, 0); secs > 0 {
		cfg.Engine.TaskTimeout = time.Duration(secs) * time.Second
	}
	cfg.Engine.RetryCount = parseIntEnv(envRetryCount, cfg.Engine.RetryCount)
	cfg.Engine.QueueCapacity = parseIntEnv(envQueueCapacity, cfg.Engine.QueueCapacity)
	if v := os.Getenv(envTaskLogLevel); v != "" {
		cfg.Engine.LogLevel = model.NormalizeLevel(strings.ToLower(v))
	}

	return cfg
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

// parseIntEnv reads a positive integer from the environment, returning def
// when the variable is unset, malformed, or not positive.
func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
