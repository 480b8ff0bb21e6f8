package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/metrics"
	"github.com/allaspectsdev/keyrelay/internal/queue"
	"github.com/allaspectsdev/keyrelay/internal/tracing"
	"github.com/allaspectsdev/keyrelay/internal/upstream"
)

// deploymentAPIVersion is sent on requests routed to endpoint deployments.
const deploymentAPIVersion = "2023-05-15"

// Dispatcher performs one attempt for an admitted queue entry: it selects
// a key, forwards the request and lets the retry policy decide what the
// client sees.
type Dispatcher struct {
	pool      *keys.Pool
	client    *upstream.Client
	policy    *upstream.Policy
	transform Transformer
	metrics   *metrics.Collector
	log       zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTransformer replaces the default passthrough transform.
func WithTransformer(t Transformer) DispatcherOption {
	return func(d *Dispatcher) { d.transform = t }
}

// WithDispatchMetrics records attempts on collector.
func WithDispatchMetrics(collector *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = collector }
}

// NewDispatcher creates a dispatcher over the given pool.
func NewDispatcher(pool *keys.Pool, client *upstream.Client, policy *upstream.Policy, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:      pool,
		client:    client,
		policy:    policy,
		transform: Passthrough{},
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch implements queue.Dispatcher. The upstream call is detached from
// the client's context so rate-limit feedback is recorded even when the
// client has gone away.
func (d *Dispatcher) Dispatch(e *queue.Entry) {
	ctx, span := tracing.StartDispatchSpan(context.WithoutCancel(e.Ctx), e.ID, string(e.Service), e.Model, e.RetryCount)
	defer span.End()

	logger := d.log.With().
		Str("request_id", e.ID).
		Str("model", e.Model).
		Int("attempt", e.RetryCount).
		Logger()

	k, err := d.pool.Get(e.Model)
	if err != nil {
		tracing.RecordError(ctx, err)
		logger.Warn().Err(err).Msg("key selection failed")
		e.Complete(selectionFailure(err), nil)
		return
	}
	tracing.SetKeyAttributes(ctx, k.Hash, k.Special)
	logger = logger.With().Str("key", k.Hash).Logger()

	if !e.Transformed {
		body, err := d.transform.Transform(DetectDialect(e.Path), e.Service, e.Body)
		if err != nil {
			logger.Warn().Err(err).Msg("request transform failed")
			e.Complete(upstream.ErrorResponse(http.StatusBadRequest, "proxy_transform_error", err.Error(), ""), nil)
			return
		}
		e.Body = body
		e.Transformed = true
	}

	req, err := outboundRequest(k, e)
	if err != nil {
		logger.Error().Err(err).Msg("building outbound request")
		e.Complete(upstream.ErrorResponse(http.StatusInternalServerError, "proxy_internal_error", err.Error(), ""), nil)
		return
	}

	start := time.Now()
	resp, err := d.client.Do(ctx, k, req)
	if err != nil {
		d.metrics.RecordDispatch(string(k.Service), 0, time.Since(start))
		tracing.RecordError(ctx, err)
		if errors.Is(err, upstream.ErrNoCredentials) {
			logger.Error().Err(err).Msg("key cannot be used")
			e.Complete(upstream.CredentialFailure(err), nil)
			return
		}
		logger.Error().Err(err).Msg("upstream request failed")
		e.Complete(upstream.NetworkFailure(err), nil)
		return
	}
	d.metrics.RecordDispatch(string(k.Service), resp.Status, time.Since(start))

	d.pool.UpdateRateLimits(k, resp.Header)
	if resp.Status < http.StatusBadRequest {
		d.pool.IncrementUsage(k)
	}

	out, err := d.policy.Evaluate(e, k, resp)
	if errors.Is(err, upstream.ErrRetryable) {
		tracing.SetOutcomeAttributes(ctx, resp.Status, retryCategory(err), true)
		logger.Debug().Err(err).Msg("attempt requeued")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("evaluating upstream response")
		e.Complete(nil, err)
		return
	}
	tracing.SetOutcomeAttributes(ctx, out.Status, "", false)
	logger.Info().Int("status", out.Status).Dur("latency", time.Since(start)).Msg("request completed")
	e.Complete(out, nil)
}

// outboundRequest applies the per-key rewrites that must be redone on every
// attempt, since each attempt may use a different key.
func outboundRequest(k keys.Key, e *queue.Entry) (upstream.Request, error) {
	req := upstream.Request{Method: e.Method, Path: e.Path, Header: e.Header, Body: e.Body}

	if k.Service == keys.ServiceAnthropic && k.RequiresPreamble {
		body, err := AddPreamble(e.Body)
		if err != nil {
			return req, fmt.Errorf("adding prompt preamble: %w", err)
		}
		req.Body = body
	}

	if k.Special {
		deployment, ok := k.Deployments[e.Model]
		if !ok {
			return req, fmt.Errorf("endpoint key %s has no deployment for %q", k.Hash, e.Model)
		}
		req.Path = fmt.Sprintf("/openai/deployments/%s%s?api-version=%s",
			deployment, strings.TrimPrefix(e.Path, "/v1"), deploymentAPIVersion)
	}
	return req, nil
}

// selectionFailure turns a failed key selection into the client response.
func selectionFailure(err error) *queue.Response {
	var se *keys.SelectionError
	note := ""
	if errors.As(err, &se) {
		note = se.Note
	}
	switch {
	case errors.Is(err, keys.ErrProxyDisabledFeature):
		return upstream.ErrorResponse(http.StatusForbidden, "proxy_feature_disabled", err.Error(), note)
	case errors.Is(err, keys.ErrNoKeyAvailable):
		return upstream.ErrorResponse(http.StatusServiceUnavailable, "proxy_no_keys_available", err.Error(), note)
	case errors.Is(err, keys.ErrUnknownModel):
		return upstream.ErrorResponse(http.StatusBadRequest, "proxy_unknown_model", err.Error(), note)
	}
	return upstream.ErrorResponse(http.StatusInternalServerError, "proxy_internal_error", err.Error(), note)
}

func retryCategory(err error) string {
	var re *upstream.RetryableError
	if errors.As(err, &re) {
		return re.Category.String()
	}
	return ""
}
