package logstream

import (
	"context"

	"go.uber.org/zap"
)

type executionIDKey struct{}

// WithExecutionID returns a context carrying the execution id. Set once when
// an execution starts; children inherit it through normal context flow.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, executionID)
}

// ExecutionIDFrom extracts the execution id, empty when unset.
func ExecutionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}

// ExecutionIDField is the zap field the hub tee matches on.
const ExecutionIDField = "execution_id"

// LoggerFor stamps base with the context's execution id so entries written
// through it reach the log hub. Without an id the base logger is returned
// unchanged and entries stay local.
func LoggerFor(ctx context.Context, base *zap.Logger) *zap.Logger {
	id := ExecutionIDFrom(ctx)
	if id == "" {
		return base
	}
	return base.With(zap.String(ExecutionIDField, id))
}
