package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CorrelationIDField is the log key carrying the request correlation ID.
const CorrelationIDField = "correlationId"

type fieldsKey struct{}

// NewLogger builds a production zap logger. format is "json" (default) or
// "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(defaultString(level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch encoding := defaultString(format, "json"); encoding {
	case "json":
	case "console":
		cfg.Encoding = encoding
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func defaultString(value, fallback string) string {
	if v := strings.ToLower(strings.TrimSpace(value)); v != "" {
		return v
	}
	return fallback
}

// WithFields returns a ctx whose ContextLogger entries carry fields in
// addition to those already attached to ctx.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(fields) == 0 {
		return ctx
	}

	existing := contextFields(ctx)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// ContextLogger returns logger with the fields attached to ctx.
func ContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	if fields := contextFields(ctx); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

// CorrelationIDFromContext returns the most recent correlation ID attached
// with WithFields.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	fields := contextFields(ctx)
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if f.Key == CorrelationIDField && f.Type == zapcore.StringType && f.String != "" {
			return f.String, true
		}
	}
	return "", false
}

func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	return fields
}
