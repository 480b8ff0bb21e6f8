package upstream

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/metrics"
	"github.com/allaspectsdev/keyrelay/internal/queue"
)

// DefaultMaxRetries bounds how often one request is requeued.
const DefaultMaxRetries = 5

// KeyStore is the part of the key pool the policy mutates.
type KeyStore interface {
	Disable(k keys.Key, reason keys.DisableReason)
	MarkRateLimited(k keys.Key)
	Update(k keys.Key, fn func(*keys.Key)) bool
	Available(s keys.Service) int
}

// Requeuer puts a failed entry back on the admission queue.
type Requeuer interface {
	Requeue(e *queue.Entry) (int, error)
}

// Policy turns an upstream response into key-state changes and decides
// whether the request is retried or answered.
type Policy struct {
	keys       KeyStore
	queue      Requeuer
	maxRetries int
	metrics    *metrics.Collector
	log        zerolog.Logger
}

// NewPolicy creates a retry policy. collector may be nil.
func NewPolicy(store KeyStore, rq Requeuer, maxRetries int, collector *metrics.Collector) *Policy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Policy{
		keys:       store,
		queue:      rq,
		maxRetries: maxRetries,
		metrics:    collector,
		log:        log.With().Str("component", "retry_policy").Logger(),
	}
}

// Evaluate inspects the response to an attempt made with key k. It returns
// the response to send to the client, or an error wrapping ErrRetryable
// when the entry has been requeued and nothing should be sent.
func (p *Policy) Evaluate(e *queue.Entry, k keys.Key, resp *queue.Response) (*queue.Response, error) {
	if resp.Status < http.StatusBadRequest {
		return resp, nil
	}

	c := Classify(k.Service, resp.Status, resp.Body)
	p.metrics.RecordClassification(string(k.Service), c.Category.String())
	logger := p.log.With().
		Str("request_id", e.ID).
		Str("key", k.Hash).
		Int("status", resp.Status).
		Stringer("category", c.Category).
		Logger()

	// Counted before any disable so the message reflects the other keys.
	remaining := p.keys.Available(k.Service) - 1

	var note string
	switch c.Category.Kind() {
	case KindRetryable:
		p.keys.Update(k, func(live *keys.Key) { live.RequiresPreamble = true })
		logger.Warn().Msg("key requires prompt preamble; flagged and retrying")
		return p.retry(e, k, c, resp)

	case KindTransientRateLimit:
		p.keys.MarkRateLimited(k)
		logger.Debug().Str("type", c.Type).Msg("key rate limited; retrying")
		return p.retry(e, k, c, resp)

	case KindKeyDisabledRevoked:
		p.disable(k, keys.ReasonRevoked, logger)
		if c.Category == CategoryBanned {
			note = "Assigned key has been deactivated by the upstream service. " + tryAgain(remaining)
		} else {
			note = "Assigned key has been revoked. " + tryAgain(remaining)
		}

	case KindKeyDisabledQuota:
		p.disable(k, keys.ReasonQuota, logger)
		note = "Assigned key is over quota. " + tryAgain(remaining)

	default:
		note = p.forwardNote(e, k, c, resp.Status, logger)
		if !c.Parsed {
			note = temporaryNote
		}
	}
	return annotate(resp, note), nil
}

// forwardNote explains an error that is passed through to the client
// without touching the key's state, except for clearing a model tier the
// key turned out not to have.
func (p *Policy) forwardNote(e *queue.Entry, k keys.Key, c Classification, status int, logger zerolog.Logger) string {
	switch c.Category {
	case CategoryBadRequest:
		return fmt.Sprintf("Upstream rejected the request. Your prompt may be too long or malformed for %s.", e.Model)

	case CategoryRateLimitUnknown:
		logger.Warn().Str("type", c.Type).Msg("unrecognized rate limit type")
		return temporaryNote

	case CategoryNotFound:
		need := keys.PolicyFor(k.Service).Requirement(e.Model)
		if need != keys.CapNone && k.Caps.Has(need) {
			p.keys.Update(k, func(live *keys.Key) { live.Caps &^= need })
			logger.Info().Strs("tiers", need.Names()).Msg("key lacks model tier; capability cleared")
			return "Assigned key isn't provisioned for the model you requested. Try again to get a different key."
		}
		return "No model was found for this key."
	}
	logger.Warn().Msg("unrecognized upstream error")
	return fmt.Sprintf("Unrecognized error from upstream service (status %d).", status)
}

func (p *Policy) retry(e *queue.Entry, k keys.Key, c Classification, resp *queue.Response) (*queue.Response, error) {
	if e.RetryCount >= p.maxRetries {
		p.log.Warn().Str("request_id", e.ID).Int("attempts", e.RetryCount+1).Msg("retries exhausted")
		return annotate(resp, fmt.Sprintf("Request failed after %d attempts. Try again later.", e.RetryCount+1)), nil
	}
	attempt, err := p.queue.Requeue(e)
	if err != nil {
		p.log.Debug().Err(err).Str("request_id", e.ID).Msg("requeue refused")
		return annotate(resp, temporaryNote), nil
	}
	p.metrics.RecordRetry(string(k.Service), c.Category.String())
	return nil, &RetryableError{Category: c.Category, Attempt: attempt}
}

func (p *Policy) disable(k keys.Key, reason keys.DisableReason, logger zerolog.Logger) {
	p.keys.Disable(k, reason)
	p.metrics.RecordKeyDisabled(string(k.Service), reason.String())
	logger.Warn().Stringer("reason", reason).Msg("key disabled by upstream response")
}
