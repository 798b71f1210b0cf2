package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mediaflow/fetchq/job"
)

// tracerName is the instrumentation scope name for fetchq tracing.
const tracerName = "github.com/mediaflow/fetchq"

// Tracing returns middleware that wraps the fetch in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: fetchq.job.id, fetchq.job.url,
// fetchq.job.engine, fetchq.job.profile, fetchq.retry_count.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "fetchq.job.fetch",
			trace.WithAttributes(
				attribute.String("fetchq.job.id", j.ID.String()),
				attribute.String("fetchq.job.url", j.SourceURL),
				attribute.String("fetchq.job.engine", j.Engine),
				attribute.String("fetchq.job.profile", j.Profile),
				attribute.Int("fetchq.retry_count", j.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
