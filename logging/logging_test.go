package logging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/finance-engine/logging"
)

func TestNew(t *testing.T) {
	t.Run("default level is info", func(t *testing.T) {
		logger, level, err := logging.New("", logging.FormatJSON)
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.Equal(t, zapcore.InfoLevel, level.Level())
	})

	t.Run("explicit level", func(t *testing.T) {
		_, level, err := logging.New("debug", logging.FormatConsole)
		require.NoError(t, err)
		assert.Equal(t, zapcore.DebugLevel, level.Level())
	})

	t.Run("invalid level", func(t *testing.T) {
		_, _, err := logging.New("loud", logging.FormatJSON)
		assert.Error(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, _, err := logging.New("info", "xml")
		assert.Error(t, err)
	})
}

func TestWithTrace(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	// No span: logger unchanged.
	logging.WithTrace(context.Background(), logger).Info("plain")

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))
	logging.WithTrace(ctx, logger).Info("traced")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ContextMap())
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", entries[1].ContextMap()["trace_id"])
	assert.Equal(t, "0102030405060708", entries[1].ContextMap()["span_id"])
}
