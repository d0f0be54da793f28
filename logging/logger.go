// Package logging provides the structured logger used across the runtime.
// Packages depend on their own minimal Logger interfaces; this package
// supplies the slog-backed implementation that satisfies all of them, plus
// a no-op logger for tests.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the minimal structured logging contract. Arguments are
// alternating key/value pairs, slog style.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogLogger adapts *slog.Logger to the Logger interface.
type SlogLogger struct {
	inner *slog.Logger
}

// Debug logs at debug level.
func (l *SlogLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at info level.
func (l *SlogLogger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at warn level.
func (l *SlogLogger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at error level.
func (l *SlogLogger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// Bind returns a logger with the given key/value pairs attached to every
// entry. Used to scope a logger to one agent or subsystem.
func (l *SlogLogger) Bind(args ...any) *SlogLogger {
	return &SlogLogger{inner: l.inner.With(args...)}
}

// NewSlogLogger wraps an existing *slog.Logger.
func NewSlogLogger(inner *slog.Logger) *SlogLogger {
	return &SlogLogger{inner: inner}
}

// New builds a JSON slog logger writing to w at the given level.
// Level is one of "debug", "info", "warn", "error"; anything else means info.
func New(w io.Writer, level string) *SlogLogger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return &SlogLogger{inner: slog.New(handler)}
}

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

// Debug discards the message.
func (NopLogger) Debug(string, ...any) {}

// Info discards the message.
func (NopLogger) Info(string, ...any) {}

// Warn discards the message.
func (NopLogger) Warn(string, ...any) {}

// Error discards the message.
func (NopLogger) Error(string, ...any) {}
