package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Queue outcomes recorded on the server span of a relayed request.
const (
	OutcomeCompleted  = "completed"
	OutcomeQueueFull  = "queue_full"
	OutcomeTimeout    = "queue_timeout"
	OutcomeClientGone = "client_gone"
	OutcomeFailed     = "failed"
)

// HTTPMiddleware starts a server span for every request, continuing any
// W3C trace context the client sent. The trace context is echoed in the
// response headers so a client can find its request in the trace backend.
// Once the router has matched, the span is renamed after the route
// pattern; wildcard routes keep the concrete path, since for the relay the
// path is the upstream endpoint.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.ServerAddress(r.Host),
				semconv.UserAgentOriginal(r.UserAgent()),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetAttributes(semconv.HTTPRoute(pattern))
				if !strings.HasSuffix(pattern, "*") {
					span.SetName(r.Method + " " + pattern)
				}
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// SetRequestAttributes tags the server span with what the relay resolved
// from the request body.
func SetRequestAttributes(ctx context.Context, requestID, service, model string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("relay.service", service),
		attribute.String("request.model", model),
	)
}

// SetQueueOutcome records how a relayed request left the queue.
func SetQueueOutcome(ctx context.Context, outcome string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("relay.queue_outcome", outcome))
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
