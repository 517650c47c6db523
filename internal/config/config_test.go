package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envEngineBin, "")
	t.Setenv(envPoolMaxIdle, "")
	t.Setenv(envTimeoutS, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.EngineBin != defaultEngineBin {
		t.Errorf("EngineBin = %q, want %q", cfg.EngineBin, defaultEngineBin)
	}
	if cfg.PoolMaxIdle != 0 {
		t.Errorf("PoolMaxIdle = %d, want 0", cfg.PoolMaxIdle)
	}
	if cfg.DefaultTimeoutS != defaultTimeoutS {
		t.Errorf("DefaultTimeoutS = %d, want %d", cfg.DefaultTimeoutS, defaultTimeoutS)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envEngineBin, "/usr/local/bin/engine")
	t.Setenv(envPoolMaxIdle, "4")
	t.Setenv(envTimeoutS, "120")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.EngineBin != "/usr/local/bin/engine" {
		t.Errorf("EngineBin = %q, want /usr/local/bin/engine", cfg.EngineBin)
	}
	if cfg.PoolMaxIdle != 4 {
		t.Errorf("PoolMaxIdle = %d, want 4", cfg.PoolMaxIdle)
	}
	if cfg.DefaultTimeoutS != 120 {
		t.Errorf("DefaultTimeoutS = %d, want 120", cfg.DefaultTimeoutS)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv(envPoolMaxIdle, "-1")
	t.Setenv(envTimeoutS, "not-a-number")

	cfg := Load()

	if cfg.PoolMaxIdle != 0 {
		t.Errorf("PoolMaxIdle = %d, want 0", cfg.PoolMaxIdle)
	}
	if cfg.DefaultTimeoutS != defaultTimeoutS {
		t.Errorf("DefaultTimeoutS = %d, want %d", cfg.DefaultTimeoutS, defaultTimeoutS)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
