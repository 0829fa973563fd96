// Package telemetry wires OpenTelemetry tracing into the engine: one span
// per scheduler tick (a claimed task's single execution attempt) and one
// per step invocation, each carrying task/job/step identifiers as span
// attributes. The teacher's jobs subsystem has no equivalent instrumentation
// to ground this on directly; it follows the pack-wide habit of wrapping a
// unit of work in a span and exporting via the stdout exporter for local
// development, with room to swap in an OTLP exporter in production without
// touching call sites.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/flowstep/flowstep"

// Setup installs a stdout-exporting TracerProvider as the global provider
// and returns a shutdown func to flush and close it. Safe to call at most
// once per process; embedding programs that already manage their own
// TracerProvider should skip this and just use Tracer() below, which reads
// whatever provider is already registered.
func Setup(ctx context.Context) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the engine's named tracer off of whatever global
// TracerProvider is registered (a real one from Setup, or otel's no-op
// default if tracing was never configured).
func Tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// StartTask opens a span for one scheduler tick: a single claimed-task
// execution attempt, from claim to suspend-or-resolve.
func StartTask(ctx context.Context, queue, job, taskID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flowstep.task",
		trace.WithAttributes(
			attribute.String("flowstep.queue", queue),
			attribute.String("flowstep.job", job),
			attribute.String("flowstep.task_id", taskID),
		))
}

// StartStep opens a span for one memoized step attempt within a task.
func StartStep(ctx context.Context, taskID, step string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flowstep.step",
		trace.WithAttributes(
			attribute.String("flowstep.task_id", taskID),
			attribute.String("flowstep.step", step),
		))
}
