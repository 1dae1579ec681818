// Package logging carries process correlation ids on a context and adds
// them to slog records.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	scopeIDKey
	activityIDKey
	processKey
)

// WithInstanceID returns a context with the process instance ID set.
func WithInstanceID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithScopeID returns a context with the scope instance ID set.
func WithScopeID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, scopeIDKey, id)
}

// WithActivityID returns a context with the activity instance ID set.
func WithActivityID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, activityIDKey, id)
}

// WithProcess returns a context with the process name set.
func WithProcess(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, processKey, name)
}

// InstanceID extracts the instance ID from the context, or 0 if absent.
func InstanceID(ctx context.Context) int64 {
	v, _ := ctx.Value(instanceIDKey).(int64)
	return v
}

// ScopeID extracts the scope instance ID from the context, or 0 if absent.
func ScopeID(ctx context.Context) int64 {
	v, _ := ctx.Value(scopeIDKey).(int64)
	return v
}

// ActivityID extracts the activity instance ID from the context, or 0 if absent.
func ActivityID(ctx context.Context) int64 {
	v, _ := ctx.Value(activityIDKey).(int64)
	return v
}

// Process extracts the process name from the context, or "" if absent.
func Process(ctx context.Context) string {
	v, _ := ctx.Value(processKey).(string)
	return v
}

// attrs returns the correlation attributes present on ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := Process(ctx); v != "" {
		out = append(out, slog.String("process", v))
	}
	if v := InstanceID(ctx); v != 0 {
		out = append(out, slog.Int64("instance_id", v))
	}
	if v := ScopeID(ctx); v != 0 {
		out = append(out, slog.Int64("scope_id", v))
	}
	if v := ActivityID(ctx); v != 0 {
		out = append(out, slog.Int64("activity_id", v))
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-zero values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Use with slog.New(NewCorrelationHandler(inner))
// so that logger.InfoContext(ctx, ...) carries the IDs.
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
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
