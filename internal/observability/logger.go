package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the JSON service logger. Every line carries the service
// name so aggregated logs from the clock fleet stay attributable.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = logLevel(os.Getenv("LOG_LEVEL"))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": "moonclock"}
	return cfg.Build()
}

// NewConsoleLogger builds a human-readable logger for the terminal preview
// mode, where JSON lines would drown out the rendered face.
func NewConsoleLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = logLevel(os.Getenv("LOG_LEVEL"))
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// FlushTelemetry flushes telemetry buffers before process exit. Prometheus
// is pull-based so metrics need no flushing; this syncs buffered log lines.
// Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger != nil {
		if err := logger.Sync(); err != nil {
			return fmt.Errorf("flush logs: %w", err)
		}
	}
	return nil
}

// logLevel maps a LOG_LEVEL value to a zap level, info for anything
// unrecognized.
func logLevel(s string) zap.AtomicLevel {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	return zap.NewAtomicLevelAt(lvl)
}
