package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used by the coordination packages.
const InstrumentationName = "github.com/nimburion/coordination"

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	// SpanOperationRequest is one logical backend request, retries included
	SpanOperationRequest SpanOperation = "coordination.request"
	// SpanOperationLockAcquire covers a whole lock acquisition
	SpanOperationLockAcquire SpanOperation = "coordination.lock.acquire"
	// SpanOperationLockRelease covers a lock release
	SpanOperationLockRelease SpanOperation = "coordination.lock.release"
	// SpanOperationSessionCheck covers one create or renew of a session
	SpanOperationSessionCheck SpanOperation = "coordination.session.check"
)

// StartSpan starts a client span for operation on the global tracer provider.
func StartSpan(ctx context.Context, operation SpanOperation, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(InstrumentationName)
	ctx, span := tracer.Start(ctx, string(operation), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attrs...)
	return ctx, span
}

// StartRequestSpan starts the span for an HTTP request against the backend.
func StartRequestSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanOperationRequest,
		attribute.String("http.method", method),
		attribute.String("coordination.path", path),
	)
}

// RecordError records err on span and marks it failed. A nil err marks the span ok.
func RecordError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds a named event to the span carried by ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
