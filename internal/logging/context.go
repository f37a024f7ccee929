package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types
type taskCtxKey struct{}
type gateCtxKey struct{}

// WithTaskID returns a context carrying the task identifier for log
// correlation.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext extracts the task identifier, or "" if absent.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithGateID returns a context carrying the gate identifier.
func WithGateID(ctx context.Context, gateID string) context.Context {
	return context.WithValue(ctx, gateCtxKey{}, gateID)
}

// GateIDFromContext extracts the gate identifier, or "" if absent.
func GateIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(gateCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}
	if gateID := GateIDFromContext(ctx); gateID != "" {
		fields = append(fields, zap.String("gate.id", gateID))
	}

	return fields
}
