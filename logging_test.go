package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-backup/internal/config"
)

func loggingConfig(level, format string) *config.LoggingConfig {
	return &config.LoggingConfig{LogLevel: level, LogFormat: format, LogRetentionDays: 30}
}

func TestBuildLogger_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level string
		flags rootFlags
		want  slog.Level
	}{
		{"config info", "info", rootFlags{}, slog.LevelInfo},
		{"config warn", "warn", rootFlags{}, slog.LevelWarn},
		{"verbose overrides", "error", rootFlags{Verbose: true}, slog.LevelDebug},
		{"quiet overrides", "debug", rootFlags{Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, closer, err := buildLogger(loggingConfig(tt.level, "text"), &tt.flags, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Nil(t, closer)

			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tt.want))
			assert.False(t, logger.Enabled(ctx, tt.want-1))
		})
	}
}

func TestBuildLogger_JSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, _, err := buildLogger(loggingConfig("info", "json"), &rootFlags{}, &buf)
	require.NoError(t, err)

	logger.Info("hello", slog.String("service", "drive"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "drive", rec["service"])
}

func TestBuildLogger_AutoWithoutTerminalIsText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, _, err := buildLogger(loggingConfig("info", "auto"), &rootFlags{}, &buf)
	require.NoError(t, err)

	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestBuildLogger_FileReceivesDebug(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "backup.log")
	cfg := loggingConfig("warn", "text")
	cfg.LogFile = path

	var console bytes.Buffer

	logger, closer, err := buildLogger(cfg, &rootFlags{}, &console)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Debug("only in file", slog.Int("n", 1))
	logger.Warn("everywhere")
	require.NoError(t, closer.Close())

	assert.NotContains(t, console.String(), "only in file")
	assert.Contains(t, console.String(), "everywhere")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"only in file"`)
	assert.Contains(t, string(data), `"msg":"everywhere"`)
}

func TestBuildLogger_RelativeFileUnderDataDir(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG_DATA_HOME is only honored on Linux")
	}

	dataDir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataDir)

	cfg := loggingConfig("info", "text")
	cfg.LogFile = "backup.log"

	logger, closer, err := buildLogger(cfg, &rootFlags{}, &bytes.Buffer{})
	require.NoError(t, err)

	logger.Info("x")
	require.NoError(t, closer.Close())

	assert.FileExists(t, filepath.Join(dataDir, "icloud-backup", "backup.log"))
}

func TestFanoutHandler_AttrsReachAll(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer

	h := newFanoutHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)

	logger := slog.New(h).With(slog.String("run", "1")).WithGroup("g")
	logger.Info("info", slog.Int("k", 2))
	logger.Error("boom")

	assert.Contains(t, a.String(), "run=1")
	assert.Contains(t, a.String(), "g.k=2")
	assert.NotContains(t, b.String(), "msg=info")
	assert.Contains(t, b.String(), "msg=boom")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
