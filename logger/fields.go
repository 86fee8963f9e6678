package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries work across components.
const (
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldError     = "error"
	FieldStatus    = "status"
	FieldCount     = "count"

	// Pool and scheduler
	FieldTaskID   = "task_id"
	FieldTaskType = "task_type"
	FieldRunner   = "runner"
	FieldInFlight = "in_flight"

	// Retention domain
	FieldRuleID      = "rule_id"
	FieldRuleType    = "rule_type"
	FieldRuleVersion = "rule_version"
	FieldProjectID   = "project_id"
	FieldDataStorage = "data_storage"
	FieldJobID       = "job_id"
	FieldJobName     = "job_name"
	FieldOperationID = "operation_name"
	FieldRequestID   = "request_id"

	// Timing
	FieldDurationMS = "duration_ms"
)

type contextKey string

const (
	correlationIDKey contextKey = "logger_correlation_id"
	componentKey     contextKey = "logger_component"
)

// FieldCorrelationID carries an opaque token threaded through one
// scheduling cycle so every job and log line it produces can be joined.
const FieldCorrelationID = "correlation_id"

// WithCorrelationID adds a correlation ID to the context for logging
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation ID carried by ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id := CorrelationID(ctx); id != "" {
		fields = append(fields, FieldCorrelationID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger. Components
// call this once at construction time and keep the result.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
