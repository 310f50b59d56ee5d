// Package logging provides the printf-style component logger used across the
// core. It is a thin wrapper over log/slog so every line carries a component
// name and, once a request is admitted, a correlation ID (P11).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger is the printf-style interface the rest of the core depends on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	// With returns a logger that additionally tags every line with key/value.
	With(key string, value any) Logger
}

// Format selects the slog handler used for the process.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var (
	mu      sync.RWMutex
	base    = slog.New(slog.NewTextHandler(os.Stderr, nil))
	current Format
)

// Configure installs the process-wide handler. Called once at startup from the
// loaded configuration; safe to call again in tests.
func Configure(format Format, w io.Writer, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	base = slog.New(h)
	current = format
}

type componentLogger struct {
	l *slog.Logger
}

// NewComponentLogger returns a Logger tagged with the given component name.
func NewComponentLogger(name string) Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return &componentLogger{l: l.With("component", name)}
}

// NewComponentLoggerContext tags the logger with both a component name and the
// correlation ID carried on ctx, when present. Outbound port calls and
// inference gateway observability events should use this so every log line
// for a request shares its correlation ID (P11).
func NewComponentLoggerContext(ctx context.Context, name string) Logger {
	l := NewComponentLogger(name)
	if id, ok := CorrelationIDFromContext(ctx); ok {
		l = l.With("request_id", id)
	}
	return l
}

func (c *componentLogger) Debug(format string, args ...any) { c.l.Debug(fmt.Sprintf(format, args...)) }
func (c *componentLogger) Info(format string, args ...any)  { c.l.Info(fmt.Sprintf(format, args...)) }
func (c *componentLogger) Warn(format string, args ...any)  { c.l.Warn(fmt.Sprintf(format, args...)) }
func (c *componentLogger) Error(format string, args ...any) { c.l.Error(fmt.Sprintf(format, args...)) }

func (c *componentLogger) With(key string, value any) Logger {
	return &componentLogger{l: c.l.With(key, value)}
}

// OrNop returns a no-op logger when l is nil, so callers never need a nil check.
func OrNop(l Logger) Logger {
	if l == nil {
		return &componentLogger{l: slog.New(slog.NewTextHandler(io.Discard, nil))}
	}
	return l
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation ID to ctx for downstream propagation.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext retrieves the correlation ID attached by admission.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}
