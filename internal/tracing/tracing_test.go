package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingProvider(recorder *tracetest.SpanRecorder) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
}

func TestStartRunSpanSetsAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := newRecordingProvider(recorder)
	tracer := tp.Tracer("test")

	_, span := StartRunSpan(context.Background(), tracer, "run-1", "wf-1")
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "run.drive", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("run_id", "run-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("workflow_id", "wf-1"))
}

func TestStartStepSpanSetsAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := newRecordingProvider(recorder)
	tracer := tp.Tracer("test")

	_, span := StartStepSpan(context.Background(), tracer, "run-1", "step-1", "shell")
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "step.execute", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("step_id", "step-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("step_kind", "shell"))
}
