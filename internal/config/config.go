package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "crucible.db"
	defaultEngineBin  = "crucible-engine"
	defaultTimeoutS   = 30

	envListenAddr  = "CRUCIBLE_LISTEN_ADDR"
	envDBPath      = "CRUCIBLE_DB_PATH"
	envLogLevel    = "CRUCIBLE_LOG_LEVEL"
	envEngineBin   = "CRUCIBLE_ENGINE_BIN"
	envPoolMaxIdle = "CRUCIBLE_POOL_MAX_IDLE"
	envTimeoutS    = "CRUCIBLE_DEFAULT_TIMEOUT_S"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	EngineBin       string
	PoolMaxIdle     int
	DefaultTimeoutS int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		EngineBin:       defaultEngineBin,
		PoolMaxIdle:     0,
		DefaultTimeoutS: defaultTimeoutS,
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
	if v := os.Getenv(envEngineBin); v != "" {
		cfg.EngineBin = v
	}
	if v := os.Getenv(envPoolMaxIdle); v != "" {
		cfg.PoolMaxIdle = parseNonNegativeInt(v, 0)
	}
	if v := os.Getenv(envTimeoutS); v != "" {
		cfg.DefaultTimeoutS = parsePositiveInt(v, defaultTimeoutS)
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

func parseNonNegativeInt(s string, defaultVal int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

func parsePositiveInt(s string, defaultVal int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
