package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/metrics"
	"github.com/allaspectsdev/keyrelay/internal/queue"
	"github.com/allaspectsdev/keyrelay/internal/tracing"
)

const modelsCacheKey = "models"

// Handler serves client requests by placing them on the admission queue
// and relaying whatever the dispatcher produces.
type Handler struct {
	pool        *keys.Pool
	queue       *queue.Queue
	metrics     *metrics.Collector
	maxBodySize int64
	models      *expirable.LRU[string, ModelList]
	log         zerolog.Logger
}

// NewHandler creates a Handler. A maxBodySize of 0 means unlimited.
// collector may be nil.
func NewHandler(pool *keys.Pool, q *queue.Queue, collector *metrics.Collector, maxBodySize int64) *Handler {
	return &Handler{
		pool:        pool,
		queue:       q,
		metrics:     collector,
		maxBodySize: maxBodySize,
		models:      expirable.NewLRU[string, ModelList](1, nil, 60*time.Second),
		log:         log.With().Str("component", "proxy").Logger(),
	}
}

// HandleRequest reads the model from the request body, queues the request
// for its service and writes the final response.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncrementActive()
	defer h.metrics.DecrementActive()

	logger := h.log.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()

	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "proxy_request_too_large", "request body too large")
			return
		}
		logger.Error().Err(err).Msg("failed to read request body")
		writeJSONError(w, http.StatusBadRequest, "proxy_bad_request", "failed to read request body")
		return
	}
	defer r.Body.Close()

	model, err := ExtractModel(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "proxy_bad_request", err.Error())
		return
	}
	service, err := keys.ServiceForModel(model)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "proxy_unknown_model", err.Error())
		return
	}

	e := queue.NewEntry(r.Context(), service, model)
	e.Method = r.Method
	e.Path = r.URL.Path
	e.Header = r.Header.Clone()
	e.Body = body

	logger = logger.With().Str("request_id", e.ID).Str("model", model).Str("service", string(service)).Logger()
	logger.Debug().Msg("request queued")
	tracing.SetRequestAttributes(r.Context(), e.ID, string(service), model)

	resp, err := h.queue.Submit(e)
	if err != nil {
		h.writeQueueError(w, r, service, err, logger)
		return
	}
	tracing.SetQueueOutcome(r.Context(), tracing.OutcomeCompleted)
	writeResponse(w, resp)
}

func (h *Handler) writeQueueError(w http.ResponseWriter, r *http.Request, s keys.Service, err error, logger zerolog.Logger) {
	ctx := r.Context()
	switch {
	case ctx.Err() != nil:
		tracing.SetQueueOutcome(ctx, tracing.OutcomeClientGone)
		logger.Info().Err(err).Msg("client went away while queued")
	case errors.Is(err, queue.ErrQueueCapacityExceeded):
		tracing.SetQueueOutcome(ctx, tracing.OutcomeQueueFull)
		h.metrics.RecordRejected("capacity")
		logger.Warn().Msg("queue full; request rejected")
		w.Header().Set("Retry-After", "5")
		writeJSONError(w, http.StatusTooManyRequests, "proxy_queue_full",
			"The request queue is full. Try again in a few seconds.")
	case errors.Is(err, queue.ErrQueueTimeout):
		tracing.SetQueueOutcome(ctx, tracing.OutcomeTimeout)
		h.metrics.RecordRejected("timeout")
		wait := h.queue.EstimatedWait(s)
		logger.Warn().Dur("estimated_wait", wait).Msg("request timed out in queue")
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(wait.Seconds()))))
		writeJSONError(w, http.StatusServiceUnavailable, "proxy_queue_timeout",
			fmt.Sprintf("Timed out waiting for a %s key. Try again later.", s))
	default:
		tracing.SetQueueOutcome(ctx, tracing.OutcomeFailed)
		logger.Error().Err(err).Msg("request failed")
		writeJSONError(w, http.StatusServiceUnavailable, "proxy_unavailable", err.Error())
	}
}

// HandleModels lists the models the current keys can serve.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	list, ok := h.models.Get(modelsCacheKey)
	if !ok {
		list = availableModels(h.pool)
		h.models.Add(modelsCacheKey, list)
	}
	writeJSON(w, http.StatusOK, list)
}

// InvalidateModels drops the cached models listing.
func (h *Handler) InvalidateModels() {
	h.models.Purge()
}

// HandleHealth returns a simple JSON health check response.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeResponse relays a queue result to the client.
func writeResponse(w http.ResponseWriter, resp *queue.Response) {
	for key, vals := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// hopHeaders are not relayed from upstream responses.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Transfer-Encoding":   true,
	"Content-Length":      true,
	"Content-Encoding":    true,
	"Set-Cookie":          true,
	"Openai-Organization": true,
}

// writeJSON writes v as indented JSON.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// writeJSONError writes a JSON error response in the proxy's error shape.
func writeJSONError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    typ,
			"message": message,
		},
	})
}
