// Package logging carries request-scoped loggers and lightweight operation
// spans through context for the SDK's background work.
package logging

import (
	"context"
	"log/slog"
)

// ctxKey is an unexported type for context keys defined in this package.
type ctxKey string

const (
	loggerKey   ctxKey = "logger"
	streamIDKey ctxKey = "streamID"
	traceIDKey  ctxKey = "traceID"
	spanIDKey   ctxKey = "spanID"
)

// WithLogger stores the provided logger on the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the operation-scoped logger or falls back to slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// WithStreamID stores the active stream identifier on the context so every
// log line emitted below it carries the broadcast it belongs to.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	if ctx == nil || streamID == "" {
		return ctx
	}
	return context.WithValue(ctx, streamIDKey, streamID)
}

// StreamIDFromContext retrieves a previously stored stream identifier.
func StreamIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if streamID, ok := ctx.Value(streamIDKey).(string); ok {
		return streamID
	}
	return ""
}

// WithTraceID stores a trace identifier on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil || traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace identifier from the context.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithSpanID stores the current span identifier on the context.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	if ctx == nil || spanID == "" {
		return ctx
	}
	return context.WithValue(ctx, spanIDKey, spanID)
}

// SpanIDFromContext retrieves the span identifier from the context.
func SpanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if spanID, ok := ctx.Value(spanIDKey).(string); ok {
		return spanID
	}
	return ""
}
