// Package logging builds the service's zap logger.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// New creates a structured logger and returns it with a runtime-adjustable
// level handle. An empty level means info.
func New(level string, format Format) (*zap.Logger, zap.AtomicLevel, error) {
	atomic := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if strings.TrimSpace(level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(level); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", level, err)
		}
		atomic.SetLevel(parsed)
	}

	var cfg zap.Config
	switch format {
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case FormatJSON, "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = atomic
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, atomic, nil
}

// WithTrace adds the span in ctx, if any, to the logger's fields.
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
