// Package checker probes keys in the background to learn whether they are
// alive, which model tiers they can reach, and which organizations share
// their secret.
package checker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/metrics"
	"github.com/allaspectsdev/keyrelay/internal/resilience"
	"github.com/allaspectsdev/keyrelay/internal/tracing"
	"github.com/allaspectsdev/keyrelay/internal/upstream"
)

// Checker schedules and runs probes for one provider.
type Checker struct {
	provider *keys.Provider
	prober   Prober
	breaker  *resilience.Breaker
	metrics  *metrics.Collector
	now      func() time.Time
	timeout  time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	schedule   Schedule
	lastGlobal time.Time

	wake chan struct{}
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithSchedule overrides the default pacing.
func WithSchedule(s Schedule) Option {
	return func(c *Checker) { c.schedule = s }
}

// WithBreaker guards probes with a circuit breaker. While it is open no
// probes are sent.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Checker) { c.breaker = b }
}

// WithMetrics records probe outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Checker) { c.metrics = m }
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// New creates a checker for p. The checker re-plans whenever keys are
// added to or reset in p.
func New(p *keys.Provider, prober Prober, opts ...Option) *Checker {
	c := &Checker{
		provider: p,
		prober:   prober,
		now:      time.Now,
		timeout:  30 * time.Second,
		schedule: DefaultSchedule(),
		wake:     make(chan struct{}, 1),
		log:      log.With().Str("component", "checker").Str("service", string(p.Service())).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	p.OnChange(c.Trigger)
	return c
}

// SetSchedule replaces the pacing and re-plans.
func (c *Checker) SetSchedule(s Schedule) {
	c.mu.Lock()
	c.schedule = s
	c.mu.Unlock()
	c.Trigger()
}

func (c *Checker) currentSchedule() Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedule
}

// Trigger wakes the run loop so it re-plans immediately.
func (c *Checker) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run plans and executes checks until ctx is cancelled. Each batch waits
// for all its probes before the next plan is made.
func (c *Checker) Run(ctx context.Context) error {
	c.log.Info().Msg("key checker starting")
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		c.mu.Lock()
		lastGlobal := c.lastGlobal
		c.mu.Unlock()

		plan := NextCheck(c.provider.Pending(), lastGlobal, c.now(), c.currentSchedule())
		if plan.Idle {
			c.log.Debug().Msg("no enabled keys; checker idle")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		delay := plan.At.Sub(c.now())
		if c.breaker != nil {
			delay = max(delay, c.breaker.RetryIn())
		}
		c.log.Debug().Strs("keys", plan.Hashes).Dur("in", delay).Msg("scheduling next check")
		timer.Reset(max(delay, 0))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
			c.Check(ctx, plan.Hashes)
		}
	}
}

// Check probes the given keys concurrently and records the outcome of
// each on the provider.
func (c *Checker) Check(ctx context.Context, hashes []string) {
	var g errgroup.Group
	g.SetLimit(max(1, c.currentSchedule().BatchSize))
	for _, hash := range hashes {
		g.Go(func() error {
			c.checkKey(ctx, hash)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.lastGlobal = c.now()
	c.mu.Unlock()
}

func (c *Checker) checkKey(ctx context.Context, hash string) {
	k, ok := c.provider.Snapshot(hash)
	if !ok || k.Disabled {
		c.log.Debug().Str("key", hash).Msg("skipping check for removed or disabled key")
		return
	}
	if c.breaker != nil && !c.breaker.Allow() {
		c.log.Debug().Str("key", hash).Msg("circuit open; check deferred")
		return
	}
	initial := !k.Checked()

	ctx, span := tracing.StartProbeSpan(ctx, string(k.Service), k.Hash, initial)
	defer span.End()
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	res, err := c.prober.Probe(pctx, k, initial)
	cancel()

	if err != nil {
		tracing.RecordError(ctx, err)
		c.fail(k, err)
		return
	}
	c.succeed(k, res, initial)
}

func (c *Checker) succeed(k keys.Key, res Result, initial bool) {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	now := c.now()
	found := c.provider.Update(k.Hash, func(live *keys.Key) {
		live.LastCheckedAt = now
		if res.RequiresPreamble {
			live.RequiresPreamble = true
		}
		if !initial {
			return
		}
		if res.CapsKnown {
			live.Caps = res.Caps
		}
		live.Trial = res.Trial
		if res.Org != "" {
			live.Org = res.Org
		}
		if res.Deployments != nil {
			live.Deployments = res.Deployments
		}
	})
	if !found {
		c.log.Debug().Str("key", k.Hash).Msg("key removed during check")
		return
	}
	c.metrics.RecordCheck(string(k.Service), "ok")
	c.log.Info().Str("key", k.Hash).Bool("initial", initial).Bool("trial", res.Trial).
		Strs("tiers", res.Caps.Names()).Msg("key check complete")

	if initial {
		c.registerSiblings(k, res.Siblings)
	}
}

func (c *Checker) registerSiblings(k keys.Key, orgs []string) {
	prefix := keys.PolicyFor(k.Service).Prefix
	for _, org := range orgs {
		sib := keys.Key{
			Secret: k.Secret,
			Hash:   keys.HashSecret(prefix, k.Secret, org),
			Org:    org,
			Caps:   keys.PolicyFor(k.Service).InitialCaps,
		}
		if c.provider.Register(sib) {
			c.log.Info().Str("key", k.Hash).Str("sibling", sib.Hash).Msg("registered organization sibling")
		}
	}
}

func (c *Checker) fail(k keys.Key, err error) {
	s := c.currentSchedule()
	now := c.now()
	logger := c.log.With().Str("key", k.Hash).Logger()

	var se *StatusError
	if !errors.As(err, &se) {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		logger.Error().Err(err).Dur("retry_in", s.FailureBackoff).Msg("network error while checking key")
		c.provider.Update(k.Hash, func(live *keys.Key) { live.LastCheckedAt = s.recheckAt(now, s.FailureBackoff) })
		c.metrics.RecordCheck(string(k.Service), "error")
		return
	}

	cls := upstream.Classify(k.Service, se.Status, se.Body)
	logger = logger.With().Int("status", se.Status).Stringer("category", cls.Category).Logger()
	if c.breaker != nil {
		if se.Status >= 500 {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}

	outcome := "retry"
	switch cls.Category {
	case upstream.CategoryUnauthorized, upstream.CategoryBanned:
		outcome = "revoked"
		logger.Warn().Msg("key is invalid or revoked; disabling")
		c.provider.Update(k.Hash, func(live *keys.Key) {
			live.Disabled = true
			live.Revoked = true
			live.Caps = keys.CapNone
			live.LastCheckedAt = now
		})
		c.metrics.RecordKeyDisabled(string(k.Service), keys.ReasonRevoked.String())

	case upstream.CategoryQuotaExceeded:
		outcome = "quota"
		logger.Warn().Msg("key is over quota; disabling")
		c.provider.Update(k.Hash, func(live *keys.Key) {
			live.Disabled = true
			live.OverQuota = true
			live.LastCheckedAt = now
		})
		c.metrics.RecordKeyDisabled(string(k.Service), keys.ReasonQuota.String())

	case upstream.CategoryRateLimitRequests:
		logger.Warn().Dur("retry_in", s.RateLimitRecheck).Msg("key is request rate limited; liveness unknown")
		c.provider.Update(k.Hash, func(live *keys.Key) { live.LastCheckedAt = s.recheckAt(now, s.RateLimitRecheck) })

	case upstream.CategoryRateLimitTokens:
		outcome = "ok"
		logger.Info().Msg("key is token rate limited; assuming it is operational")
		c.provider.Update(k.Hash, func(live *keys.Key) { live.LastCheckedAt = now })

	default:
		outcome = "error"
		logger.Error().Str("type", cls.Type).Dur("retry_in", s.FailureBackoff).
			Msg("unexpected response while checking key")
		c.provider.Update(k.Hash, func(live *keys.Key) { live.LastCheckedAt = s.recheckAt(now, s.FailureBackoff) })
	}
	c.metrics.RecordCheck(string(k.Service), outcome)
}
