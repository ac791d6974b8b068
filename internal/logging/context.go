package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	nodeIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// WithIDs sets both correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID, nodeID string) context.Context {
	return WithNodeID(WithRunID(ctx, runID), nodeID)
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if rID := RunID(ctx); rID != "" {
		logger = logger.With(slog.String("run_id", rID))
	}
	if nID := NodeID(ctx); nID != "" {
		logger = logger.With(slog.String("node_id", nID))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := NodeID(ctx); v != "" {
		r.AddAttrs(slog.String("node_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
