package tracing

import (
	"context"
	"testing"

	"github.com/paysettle/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(config.TracingConfig{Enabled: false, Endpoint: "localhost:4317"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(config.TracingConfig{Enabled: true, Endpoint: " "})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestServiceNameAndRatio(t *testing.T) {
	assert.Equal(t, "paysettle", ServiceName(config.TracingConfig{}))
	assert.Equal(t, "settlement-api", ServiceName(config.TracingConfig{ServiceName: " settlement-api "}))
	assert.Equal(t, 1.0, sampleRatio(0))
	assert.Equal(t, 1.0, sampleRatio(3))
	assert.Equal(t, 0.25, sampleRatio(0.25))
}

func TestTraceIDFromContext(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	Install(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	id := TraceID(ctx)
	span.End()

	assert.Len(t, id, 32)
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, id, recorder.Ended()[0].SpanContext().TraceID().String())
}
