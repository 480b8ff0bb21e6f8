package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

var (
	// ErrQueueTimeout means the entry waited longer than the configured
	// ceiling without a key becoming ready.
	ErrQueueTimeout = errors.New("timed out waiting for an available key")
	// ErrQueueCapacityExceeded means the queue was full on arrival.
	ErrQueueCapacityExceeded = errors.New("request queue is full")
	// ErrQueueClosed means the queue shut down while the entry waited.
	ErrQueueClosed = errors.New("request queue closed")
)

// Pool is the key-pool view the queue needs to decide admission.
type Pool interface {
	LockoutPeriod(s keys.Service, model string) time.Duration
	Available(s keys.Service) int
	AnyUnchecked(s keys.Service) bool
}

// Dispatcher selects a key and performs the upstream call for an entry. It
// must eventually Complete or Requeue the entry.
type Dispatcher interface {
	Dispatch(e *Entry)
}

// Config bounds queue size and waiting time.
type Config struct {
	MaxSize        int
	MaxWait        time.Duration
	UncheckedGrace time.Duration
	PollInterval   time.Duration
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		MaxSize:        1000,
		MaxWait:        5 * time.Minute,
		UncheckedGrace: 10 * time.Second,
		PollInterval:   50 * time.Millisecond,
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDispatchHook registers fn to observe each admitted entry's wait.
func WithDispatchHook(fn func(s keys.Service, waited time.Duration)) Option {
	return func(q *Queue) { q.onDispatch = fn }
}

// Queue is a FIFO admission queue drained by a single goroutine. Entries of
// different services are admitted independently; within a service the
// oldest arrival always goes first.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	waits   map[keys.Service][]waitSample

	pool       Pool
	cfg        Config
	now        func() time.Time
	wake       chan struct{}
	reset      chan struct{}
	onDispatch func(keys.Service, time.Duration)
	log        zerolog.Logger
}

// New creates a queue that consults pool for admission.
func New(pool Pool, cfg Config, opts ...Option) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	q := &Queue{
		waits: make(map[keys.Service][]waitSample),
		pool:  pool,
		cfg:   cfg,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
		reset: make(chan struct{}, 1),
		log:   log.With().Str("component", "queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetConfig swaps the limits, e.g. after a config reload. A changed poll
// interval takes effect on the running drainer.
func (q *Queue) SetConfig(cfg Config) {
	q.mu.Lock()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = q.cfg.PollInterval
	}
	changed := cfg.PollInterval != q.cfg.PollInterval
	q.cfg = cfg
	q.mu.Unlock()

	if changed {
		select {
		case q.reset <- struct{}{}:
		default:
		}
	}
}

// Submit enqueues e and blocks until it completes, times out, or the
// client goes away.
func (q *Queue) Submit(e *Entry) (*Response, error) {
	if err := q.Enqueue(e); err != nil {
		return nil, err
	}
	resp, err := e.Wait()
	if err != nil && e.Ctx.Err() != nil {
		q.Remove(e.ID)
	}
	return resp, err
}

// Enqueue appends a new entry. It fails immediately when the queue is full.
func (q *Queue) Enqueue(e *Entry) error {
	q.mu.Lock()
	if q.cfg.MaxSize > 0 && len(q.entries) >= q.cfg.MaxSize {
		n := len(q.entries)
		q.mu.Unlock()
		q.log.Warn().Int("size", n).Str("service", string(e.Service)).Msg("queue full, rejecting request")
		return ErrQueueCapacityExceeded
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Requeue puts a dispatched entry back for another attempt. It keeps the
// entry's original arrival time, so it re-enters ahead of later arrivals,
// and it is not subject to the size limit. It returns the entry's retry
// count after the increment. The caller gives up ownership of e: once
// Requeue returns, the drainer may already have handed it to another
// dispatch.
func (q *Queue) Requeue(e *Entry) (int, error) {
	if err := e.Ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	e.RetryCount++
	retry := e.RetryCount
	i := len(q.entries)
	for j, other := range q.entries {
		if other.EnqueuedAt.After(e.EnqueuedAt) {
			i = j
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.mu.Unlock()

	q.log.Debug().Str("id", e.ID).Int("retry", retry).Str("service", string(e.Service)).Msg("request requeued")
	q.signal()
	return retry, nil
}

// Remove drops a waiting entry. It reports false if the entry is not
// queued, for example because it has already been dispatched.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx ends, handing admitted entries to d.
// Entries still waiting at shutdown complete with ErrQueueClosed.
func (q *Queue) Run(ctx context.Context, d Dispatcher) {
	q.mu.Lock()
	interval := q.cfg.PollInterval
	q.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.log.Info().Dur("poll_interval", interval).Msg("queue drainer started")
	for {
		select {
		case <-ctx.Done():
			q.closeAll()
			return
		case <-q.reset:
			q.mu.Lock()
			interval = q.cfg.PollInterval
			q.mu.Unlock()
			ticker.Reset(interval)
			q.log.Info().Dur("poll_interval", interval).Msg("queue poll interval changed")
			continue
		case <-ticker.C:
		case <-q.wake:
		}
		for _, e := range q.drain() {
			go d.Dispatch(e)
		}
	}
}

// drain removes and returns the entries that may be dispatched now: at
// most the head of each service partition.
func (q *Queue) drain() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*Entry
	visited := make(map[keys.Service]bool)
	kept := make([]*Entry, 0, len(q.entries))

	for _, e := range q.entries {
		if err := e.Ctx.Err(); err != nil {
			e.Complete(nil, err)
			continue
		}
		waited := now.Sub(e.EnqueuedAt)
		if q.cfg.MaxWait > 0 && waited >= q.cfg.MaxWait {
			q.log.Warn().Str("id", e.ID).Str("service", string(e.Service)).Dur("waited", waited).Msg("request timed out in queue")
			e.Complete(nil, ErrQueueTimeout)
			continue
		}
		if visited[e.Service] {
			kept = append(kept, e)
			continue
		}
		visited[e.Service] = true
		if !q.admit(e, waited) {
			kept = append(kept, e)
			continue
		}
		ready = append(ready, e)
		q.recordWait(e.Service, waited, now)
		if q.onDispatch != nil {
			q.onDispatch(e.Service, waited)
		}
	}
	q.entries = kept
	return ready
}

// admit decides whether the head of a partition may go now.
func (q *Queue) admit(e *Entry, waited time.Duration) bool {
	if q.pool.Available(e.Service) == 0 {
		// Nothing will ever free up; let selection fail fast.
		return true
	}
	if q.pool.AnyUnchecked(e.Service) && waited < q.cfg.UncheckedGrace {
		return false
	}
	return q.pool.LockoutPeriod(e.Service, e.Model) == 0
}

func (q *Queue) closeAll() {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()
	for _, e := range pending {
		e.Complete(nil, ErrQueueClosed)
	}
	q.log.Info().Int("pending", len(pending)).Msg("queue drainer stopped")
}
