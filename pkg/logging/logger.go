// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for the recall service.
//
// Built on the standard library slog package with two destinations:
//
//   - stderr, always on, text format for operator readability
//   - an optional JSON log file per service and day, for ingestion
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "/var/log/recall",
//	    Service: "recall",
//	})
//	defer logger.Close()
//	logger.SetDefault()
//
// After SetDefault, package-level slog calls throughout the service flow
// through this logger.
//
// # Security Considerations
//
// Nothing here redacts sensitive data. Callers must not log message
// contents, API keys, or tokens; log lengths and presence flags instead.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is the minimum severity a record needs to be emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config token to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Logger
// =============================================================================

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity emitted.
	Level Level
	// LogDir enables JSON file logging when non-empty. The directory is
	// created if missing; files are named {service}_{date}.log.
	LogDir string
	// Service tags every record and names the log file.
	Service string
}

// DefaultConfig reads LOG_LEVEL and LOG_DIR from the environment.
func DefaultConfig(service string) Config {
	return Config{
		Level:   ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("LOG_DIR"),
		Service: service,
	}
}

// Logger wraps an slog.Logger writing to stderr and optionally a file.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a logger per cfg. File creation failure is an error rather
// than a silent stderr-only fallback, so misconfigured deployments are
// noticed at startup.
func New(cfg Config) (*Logger, error) {
	if cfg.Service == "" {
		cfg.Service = "recall"
	}

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level.toSlog(),
	})

	l := &Logger{}
	var handler slog.Handler = stderrHandler
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, err
		}
		l.file = f
		handler = newFanoutHandler(stderrHandler, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level: cfg.Level.toSlog(),
		}))
	}

	l.Logger = slog.New(handler).With("service", cfg.Service)
	return l, nil
}

// SetDefault installs this logger as the process-wide slog default.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// =============================================================================
// Fanout Handler
// =============================================================================

// fanoutHandler forwards every record to each child handler. A child's
// write failure does not stop the others.
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, c := range h.handlers {
		if c.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, c := range h.handlers {
		if !c.Enabled(ctx, rec.Level) {
			continue
		}
		if err := c.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		children[i] = c.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: children}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		children[i] = c.WithGroup(name)
	}
	return &fanoutHandler{handlers: children}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
