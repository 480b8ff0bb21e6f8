package tracing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// relayRouter mirrors the proxy's route layout.
func relayRouter(h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/health", h)
	r.Post("/v1/*", h)
	r.Route("/admin", func(r chi.Router) {
		r.Delete("/keys/{hash}", h)
	})
	return r
}

func TestHTTPMiddleware_SpanNames(t *testing.T) {
	tests := []struct {
		method, path string
		wantName     string
		wantRoute    string
	}{
		{"GET", "/health", "GET /health", "/health"},
		{"POST", "/v1/chat/completions", "POST /v1/chat/completions", "/v1/*"},
		{"DELETE", "/admin/keys/oai-abc123", "DELETE /admin/keys/{hash}", "/admin/keys/{hash}"},
		{"GET", "/nowhere", "GET /nowhere", ""},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			exporter := setupTestTracerWithPropagator(t)
			h := relayRouter(func(w http.ResponseWriter, r *http.Request) {})

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d; want 1", len(spans))
			}
			if spans[0].Name != tt.wantName {
				t.Errorf("name = %q; want %q", spans[0].Name, tt.wantName)
			}
			if spans[0].SpanKind != trace.SpanKindServer {
				t.Errorf("kind = %v; want server", spans[0].SpanKind)
			}
			route, _ := spanAttrs(spans[0])["http.route"].(string)
			if route != tt.wantRoute {
				t.Errorf("http.route = %q; want %q", route, tt.wantRoute)
			}
		})
	}
}

func TestHTTPMiddleware_RelayAttributes(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
		status  int
		wantErr bool
	}{
		{"completed", OutcomeCompleted, http.StatusOK, false},
		{"queue full", OutcomeQueueFull, http.StatusTooManyRequests, false},
		{"queue timeout", OutcomeTimeout, http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := setupTestTracerWithPropagator(t)
			h := relayRouter(func(w http.ResponseWriter, r *http.Request) {
				SetRequestAttributes(r.Context(), "req-7", "anthropic", "claude-3-haiku")
				SetQueueOutcome(r.Context(), tt.outcome)
				w.WriteHeader(tt.status)
			})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{}`)))

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d; want 1", len(spans))
			}
			attrs := spanAttrs(spans[0])
			want := map[string]interface{}{
				"request.id":                "req-7",
				"relay.service":             "anthropic",
				"request.model":             "claude-3-haiku",
				"relay.queue_outcome":       tt.outcome,
				"http.response.status_code": int64(tt.status),
			}
			for k, v := range want {
				if attrs[k] != v {
					t.Errorf("%s = %v; want %v", k, attrs[k], v)
				}
			}
			if got := spans[0].Status.Code == codes.Error; got != tt.wantErr {
				t.Errorf("error status = %v; want %v", got, tt.wantErr)
			}
		})
	}
}

func TestHTTPMiddleware_ContinuesClientTrace(t *testing.T) {
	exporter := setupTestTracerWithPropagator(t)
	h := relayRouter(func(w http.ResponseWriter, r *http.Request) {
		if !trace.SpanFromContext(r.Context()).SpanContext().IsValid() {
			t.Error("handler context has no span")
		}
	})

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d; want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s; want the client's", got)
	}
	if got := spans[0].Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s; want 00f067aa0ba902b7", got)
	}
	tp := rec.Header().Get("traceparent")
	if !strings.Contains(tp, "4bf92f3577b34da6a3ce929d0e0e4736") || !strings.Contains(tp, spans[0].SpanContext.SpanID().String()) {
		t.Errorf("response traceparent = %q; want the server span", tp)
	}
}

func TestStatusWriter(t *testing.T) {
	tests := []struct {
		name  string
		write func(w http.ResponseWriter)
		want  int
	}{
		{"body only", func(w http.ResponseWriter) { w.Write([]byte("ok")) }, http.StatusOK},
		{"nothing written", func(http.ResponseWriter) {}, http.StatusOK},
		{"first header wins", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
			w.WriteHeader(http.StatusOK)
		}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
			tt.write(sw)
			if sw.status != tt.want {
				t.Errorf("status = %d; want %d", sw.status, tt.want)
			}
		})
	}
}

func TestStatusWriter_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	if err := http.NewResponseController(sw).Flush(); err != nil {
		t.Errorf("Flush through controller: %v", err)
	}
	if !rec.Flushed {
		t.Error("underlying recorder was not flushed")
	}
}
