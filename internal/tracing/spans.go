package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartDispatchSpan creates a span covering one admission of a queued
// request, from key selection through policy evaluation.
func StartDispatchSpan(ctx context.Context, requestID, service, model string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "queue.dispatch",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("relay.service", service),
			attribute.String("request.model", model),
			attribute.Int("relay.attempt", attempt),
		),
	)
}

// StartProbeSpan creates a span for one key health check.
func StartProbeSpan(ctx context.Context, service, keyHash string, initial bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "checker.probe",
		trace.WithAttributes(
			attribute.String("relay.service", service),
			attribute.String("key.hash", keyHash),
			attribute.Bool("checker.initial", initial),
		),
	)
}

// StartUpstreamSpan creates a child span for an upstream HTTP call.
func StartUpstreamSpan(ctx context.Context, url, service string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.service", service),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the upstream service can continue
// the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetKeyAttributes records which key served the current span.
func SetKeyAttributes(ctx context.Context, keyHash string, special bool) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("key.hash", keyHash),
		attribute.Bool("key.special", special),
	)
}

// SetOutcomeAttributes records the upstream status and its classification.
func SetOutcomeAttributes(ctx context.Context, statusCode int, category string, retried bool) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("response.status_code", statusCode),
		attribute.String("response.category", category),
		attribute.Bool("relay.retried", retried),
	)
}

// RecordError records an error on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
