package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{})))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_Handle(t *testing.T) {
	tests := []struct {
		name      string
		ctx       func(t *testing.T) context.Context
		wantTrace bool
		wantTask  any
	}{
		{
			name:     "plain context",
			ctx:      func(*testing.T) context.Context { return context.Background() },
			wantTask: nil,
		},
		{
			name:      "valid span",
			ctx:       spanContext,
			wantTrace: true,
		},
		{
			name: "task id",
			ctx: func(*testing.T) context.Context {
				return WithTaskID(context.Background(), 42)
			},
			wantTask: float64(42),
		},
		{
			name: "span and task id",
			ctx: func(t *testing.T) context.Context {
				return WithTaskID(spanContext(t), 7)
			},
			wantTrace: true,
			wantTask:  float64(7),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			newTestLogger(&buf).InfoContext(tt.ctx(t), "transfer started", "repo_id", "org/model")

			entry := decode(t, &buf)
			assert.Equal(t, "transfer started", entry["msg"])
			assert.Equal(t, "org/model", entry["repo_id"])

			if tt.wantTrace {
				assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
				assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
			} else {
				assert.NotContains(t, entry, "trace_id")
				assert.NotContains(t, entry, "span_id")
			}

			assert.Equal(t, tt.wantTask, entry["task_id"])
		})
	}
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "queue")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("task")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(context.Background(), "dispatched", "priority", 5)

	entry := decode(t, &buf)
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, map[string]any{"priority": float64(5)}, entry["task"])
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))

	_, ok := TaskIDFromContext(context.Background())
	assert.False(t, ok)
}
