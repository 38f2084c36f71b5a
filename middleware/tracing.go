package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberhollow/worldqueue/work"
)

// tracerName is the instrumentation scope name for worldqueue tracing.
const tracerName = "github.com/emberhollow/worldqueue"

// Tracing returns middleware that wraps item execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: worldqueue.item.id, worldqueue.work_type,
// and worldqueue.retry_count. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, it *work.Item, next Handler) error {
		ctx, span := tracer.Start(ctx, "worldqueue.item.execute",
			trace.WithAttributes(
				attribute.String("worldqueue.item.id", it.ID.String()),
				attribute.String("worldqueue.work_type", it.WorkType),
				attribute.Int("worldqueue.retry_count", it.RetryCount),
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
