// Package logging wraps log/slog with the trace-ID propagation convention
// used throughout this repository's lineage.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

type traceIDKey struct{}

var traceIDCounter atomic.Uint64

// Config controls the logger's level, output format, and whether trace IDs
// are attached to log lines.
type Config struct {
	Level        string
	Format       string
	TraceEnabled bool
}

// Logger wraps slog.Logger with trace-ID support and component tagging.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler), traceEnabled: cfg.TraceEnabled}
}

// WithTraceID returns a context carrying a freshly minted trace ID.
func WithTraceID(ctx context.Context) context.Context {
	id := traceIDCounter.Add(1)
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceID retrieves the trace ID stashed in ctx, if any.
func TraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

func (l *Logger) withTrace(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if id, ok := TraceID(ctx); ok {
			return append([]any{"trace_id", id}, args...)
		}
	}
	return args
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.withTrace(ctx, args)...)
}

// WithApp returns a logger tagged with the application name.
func (l *Logger) WithApp(app string) *Logger {
	return &Logger{Logger: l.Logger.With("app", app), traceEnabled: l.traceEnabled}
}

// WithComponent returns a logger tagged with a component name (e.g. "pool", "cache").
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), traceEnabled: l.traceEnabled}
}

// WithPID returns a logger tagged with a worker process ID.
func (l *Logger) WithPID(pid int) *Logger {
	return &Logger{Logger: l.Logger.With("pid", pid), traceEnabled: l.traceEnabled}
}

func parseLevel(level string) slog.Level {
	switch level {
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
