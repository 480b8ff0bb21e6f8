package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/allaspectsdev/keyrelay/internal/checker"
	"github.com/allaspectsdev/keyrelay/internal/config"
	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/metrics"
	"github.com/allaspectsdev/keyrelay/internal/proxy"
	"github.com/allaspectsdev/keyrelay/internal/queue"
	"github.com/allaspectsdev/keyrelay/internal/resilience"
	"github.com/allaspectsdev/keyrelay/internal/upstream"
)

// SecretSource resolves provider key refs into secrets.
type SecretSource interface {
	Resolve(refs []string) ([]string, []error)
}

// stack is the assembled relay: key pool, checkers, queue and HTTP server.
type stack struct {
	pool       *keys.Pool
	queue      *queue.Queue
	dispatcher *proxy.Dispatcher
	handler    *proxy.Handler
	server     *proxy.Server
	checkers   []*checker.Checker
	breakers   *resilience.Registry
	collector  *metrics.Collector
	recheck    *recheckScheduler
}

// probers lists the services whose keys can be checked in the background.
var probers = map[keys.Service]func(*upstream.Client, *config.Config) checker.Prober{
	keys.ServiceOpenAI: func(c *upstream.Client, cfg *config.Config) checker.Prober {
		return &checker.OpenAIProber{Client: c, TrialCeiling: cfg.Selection.TrialCeiling}
	},
	keys.ServiceAnthropic: func(c *upstream.Client, _ *config.Config) checker.Prober {
		return &checker.AnthropicProber{Client: c}
	},
}

// build wires every component from cfg. Nothing is started.
func build(cfg *config.Config, secrets SecretSource) (*stack, error) {
	s := &stack{}

	if cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector(metrics.Config{Namespace: cfg.Metrics.Namespace})
	}

	s.breakers = resilience.NewRegistry(resilience.Settings{
		FailureThreshold: cfg.Resilience.CBFailureThreshold,
		ResetTimeout:     cfg.Resilience.CBResetTimeout,
		HalfOpenMax:      cfg.Resilience.CBHalfOpenMax,
	}, resilience.WithStateHook(func(name string, from, to resilience.State) {
		log.Warn().Str("service", name).Str("from", from.String()).Str("to", to.String()).Msg("checker circuit changed state")
		s.collector.SetCircuitState(name, int(to))
	}))

	clientOpts := []upstream.ClientOption{
		upstream.WithDialRetries(cfg.Resilience.DialRetries, cfg.Resilience.RetryBaseDelay, cfg.Resilience.RetryMaxDelay),
	}
	var timeout time.Duration
	providers := make([]*keys.Provider, 0, len(keys.Services))
	for _, svc := range keys.Services {
		pc, configured := cfg.Providers[string(svc)]
		var found []string
		if configured {
			var errs []error
			found, errs = secrets.Resolve(pc.KeyRefs)
			for _, err := range errs {
				log.Warn().Err(err).Str("service", string(svc)).Msg("failed to resolve key ref")
			}
			clientOpts = append(clientOpts, upstream.WithBaseURL(svc, pc.APIBase))
			timeout = max(timeout, pc.TimeoutDuration())
		}
		p := keys.NewProvider(svc, found, keys.WithSettings(providerSettings(cfg, svc)))
		providers = append(providers, p)
		if len(found) > 0 {
			log.Info().Str("service", string(svc)).Int("keys", len(found)).Msg("provider loaded")
		}
	}
	if timeout == 0 {
		timeout = config.DefaultProviderTimeout
	}
	client := upstream.NewClient(append(clientOpts, upstream.WithTimeout(timeout))...)

	s.pool = keys.NewPool(providers...)
	s.queue = queue.New(s.pool, queueConfig(cfg), queue.WithDispatchHook(func(svc keys.Service, waited time.Duration) {
		s.collector.RecordQueueWait(string(svc), waited)
	}))

	for _, p := range providers {
		if !p.Settings().CheckKeys {
			continue
		}
		opts := []checker.Option{
			checker.WithSchedule(checkSchedule(cfg)),
			checker.WithMetrics(s.collector),
			checker.WithProbeTimeout(timeout),
		}
		if cfg.Resilience.CBEnabled {
			opts = append(opts, checker.WithBreaker(s.breakers.Get(string(p.Service()))))
		}
		s.checkers = append(s.checkers, checker.New(p, probers[p.Service()](client, cfg), opts...))
	}

	policy := upstream.NewPolicy(s.pool, s.queue, cfg.Queue.MaxRetries, s.collector)
	s.dispatcher = proxy.NewDispatcher(s.pool, client, policy, proxy.WithDispatchMetrics(s.collector))
	s.handler = proxy.NewHandler(s.pool, s.queue, s.collector, cfg.Server.MaxBodySize)
	admin := proxy.NewAdmin(s.pool, s.queue, s.collector, s.breakers, s.handler.InvalidateModels)
	s.server = proxy.NewServer(s.handler, admin, s.collector, proxy.ServerOptions{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		AdminToken:   cfg.Auth.Token,
		Tracing:      cfg.Tracing.Enabled,
	})

	if s.collector != nil {
		if err := s.collector.WatchState(s.pool.Summary, s.queue.Stats); err != nil {
			return nil, fmt.Errorf("registering state metrics: %w", err)
		}
	}

	s.recheck = newRecheckScheduler(func() {
		s.pool.Recheck()
		s.handler.InvalidateModels()
	})
	if err := s.recheck.SetSchedule(cfg.Checker.RecheckSchedule); err != nil {
		return nil, err
	}
	admin.SetNextRecheck(s.recheck.Next)
	return s, nil
}

// run drives the queue, the checkers and the recheck schedule until ctx
// ends.
func (s *stack) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.queue.Run(ctx, s.dispatcher)
		return nil
	})
	for _, c := range s.checkers {
		g.Go(func() error {
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("key checker: %w", err)
			}
			return nil
		})
	}
	s.recheck.Start()
	defer s.recheck.Stop()
	return g.Wait()
}

// apply pushes a reloaded config into the running components. Listener,
// provider and key-ref changes need a restart.
func (s *stack) apply(cfg *config.Config) {
	for _, p := range s.pool.Providers() {
		settings := providerSettings(cfg, p.Service())
		// Checkers are only started at boot.
		settings.CheckKeys = p.Settings().CheckKeys
		p.SetSettings(settings)
	}
	for _, c := range s.checkers {
		c.SetSchedule(checkSchedule(cfg))
	}
	s.queue.SetConfig(queueConfig(cfg))
	if err := s.recheck.SetSchedule(cfg.Checker.RecheckSchedule); err != nil {
		log.Warn().Err(err).Msg("keeping previous recheck schedule")
	}
	s.handler.InvalidateModels()
}

func providerSettings(cfg *config.Config, svc keys.Service) keys.Settings {
	forbidden, _ := keys.ParseCapability(cfg.Selection.ForbiddenTiers)
	pc, configured := cfg.Providers[string(svc)]
	_, checkable := probers[svc]
	return keys.Settings{
		CooldownThreshold: cfg.Selection.CooldownThreshold,
		SelfThrottle:      cfg.Selection.SelfThrottle,
		MaxResetWindow:    cfg.Selection.MaxResetWindow,
		ForbiddenCaps:     forbidden,
		CheckKeys:         configured && pc.CheckKeys && checkable,
	}
}

func checkSchedule(cfg *config.Config) checker.Schedule {
	s := checker.DefaultSchedule()
	s.BatchSize = cfg.Checker.BatchSize
	s.BatchDelay = cfg.Checker.BatchDelay
	s.Period = cfg.Checker.Period
	s.MinInterval = cfg.Checker.MinInterval
	return s
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		MaxSize:        cfg.Queue.MaxSize,
		MaxWait:        cfg.Queue.MaxWait,
		UncheckedGrace: cfg.Queue.UncheckedGrace,
		PollInterval:   cfg.Queue.PollInterval,
	}
}
