package observability

import (
	"context"

	"go.uber.org/zap"
)

// contextKey scopes request-context values to this module so string-keyed
// values set by other middleware cannot collide with ours.
type contextKey int

const (
	correlationIDKey contextKey = iota
	loggerKey
)

// WithCorrelationID returns ctx carrying the request correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the request correlation ID, or "" when absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLogger returns ctx carrying a request-scoped logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request-scoped logger, or nil when absent.
func Logger(ctx context.Context) *zap.Logger {
	if v, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return v
	}
	return nil
}
