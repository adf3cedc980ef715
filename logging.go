package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/icloud-backup/internal/config"
)

const (
	logFileMaxSizeMB = 50
	logDirPerms      = 0o700
)

// buildLogger creates the process logger. The config level is the baseline;
// --verbose and --quiet override it. When a log file is configured, records
// also go to a rotating file in JSON. The returned closer is nil without a
// log file.
func buildLogger(cfg *config.LoggingConfig, flags *rootFlags, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.LogLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	console := consoleHandler(cfg.LogFormat, level, stderr)

	if cfg.LogFile == "" {
		return slog.New(console), nil, nil
	}

	path := cfg.LogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(config.DefaultDataDir(), path)
	}

	if err := os.MkdirAll(filepath.Dir(path), logDirPerms); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename: path,
		MaxSize:  logFileMaxSizeMB,
		MaxAge:   cfg.LogRetentionDays,
	}

	// The file keeps debug records regardless of the console level.
	file := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug})

	return slog.New(newFanoutHandler(console, file)), rotator, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleHandler picks the stderr handler for a log_format. "auto" uses
// colored output on a terminal and plain text otherwise.
func consoleHandler(format string, level slog.Level, w io.Writer) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	if !isTerminal(w) {
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// fanoutHandler sends each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error

	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}

	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}

	return newFanoutHandler(handlers...)
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}

	return newFanoutHandler(handlers...)
}
