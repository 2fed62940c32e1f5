// Package epwrlog wraps log/slog with the trace-ID propagation and
// component-scoping helpers every other package in this runtime logs
// through.
package epwrlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// traceIDKey is the context key a trace ID is stashed under.
type traceIDKey struct{}

var traceIDCounter atomic.Uint64

// Config controls the handler a Logger is built with.
type Config struct {
	Level        string
	Format       string
	TraceEnabled bool
}

// Logger wraps slog.Logger, optionally injecting a request trace ID into
// every Context-aware call.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// New builds a Logger per cfg. Format "json" selects slog.JSONHandler;
// anything else (including "") selects slog.TextHandler.
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

// WithTraceID stamps ctx with a fresh trace ID.
func WithTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceIDCounter.Add(1))
}

// TraceID retrieves the trace ID stamped by WithTraceID, if any.
func TraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

func (l *Logger) traceArgs(ctx context.Context, args []any) []any {
	if !l.traceEnabled {
		return args
	}
	if traceID, ok := TraceID(ctx); ok {
		return append([]any{"trace_id", traceID}, args...)
	}
	return args
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.traceArgs(ctx, args)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.traceArgs(ctx, args)...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.traceArgs(ctx, args)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.traceArgs(ctx, args)...)
}

// WithWorker returns a logger that tags every record with worker_id.
func (l *Logger) WithWorker(workerID string) *Logger {
	return &Logger{Logger: l.Logger.With("worker_id", workerID), traceEnabled: l.traceEnabled}
}

// WithSession returns a logger that tags every record with session_id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With("session_id", sessionID), traceEnabled: l.traceEnabled}
}

// WithMethod returns a logger that tags every record with the command name.
func (l *Logger) WithMethod(method string) *Logger {
	return &Logger{Logger: l.Logger.With("command", method), traceEnabled: l.traceEnabled}
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
