// Package tracing wraps an optional OpenTelemetry tracer around step and
// run execution. The run coordinator accepts a trace.Tracer the way the
// teacher lineage's runner accepts an optional tracer; when none is
// configured, the noop package's tracer (itself satisfying trace.Tracer)
// is used, so call sites never need a nil check.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewStdout builds a trace.Tracer backed by the stdout span exporter,
// suitable for local development and the six end-to-end scenarios this
// core is exercised against.
func NewStdout(serviceName string) (trace.Tracer, func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Tracer(serviceName), tp.Shutdown, nil
}

// StartRunSpan opens a span covering one run's full drive.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, runID, workflowID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "run.drive", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("workflow_id", workflowID),
	))
}

// StartStepSpan opens a span covering one step handler invocation.
func StartStepSpan(ctx context.Context, tracer trace.Tracer, runID, stepID, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("step_id", stepID),
		attribute.String("step_kind", kind),
	))
}
