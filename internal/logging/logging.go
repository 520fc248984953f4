// Package logging builds the slog loggers used by the CLI and per-target runs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New returns a logger writing to w in the given format ("text" or "json").
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TargetLog is a per-target log file teed with a parent handler.
type TargetLog struct {
	Path   string
	Logger *slog.Logger
	file   *os.File
}

// OpenTargetLog creates (or appends to) path and returns a logger that writes
// to both the file and base.
func OpenTargetLog(base *slog.Logger, path string, attrs ...any) (*TargetLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open target log: %w", err)
	}
	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(teeHandler{handlers: []slog.Handler{base.Handler(), fileHandler}}).With(attrs...)
	return &TargetLog{Path: path, Logger: logger, file: f}, nil
}

// Close closes the underlying file.
func (t *TargetLog) Close() error {
	if t == nil || t.file == nil {
		return nil
	}
	return t.file.Close()
}
