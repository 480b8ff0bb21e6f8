// Package resilience holds the circuit breakers and backoff helpers that
// guard calls to upstream services.
package resilience

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// Closed means the circuit is healthy; calls flow through.
	Closed State = iota
	// Open means the circuit has tripped; calls are rejected.
	Open
	// HalfOpen means the circuit is testing recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Settings configures a breaker.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

// DefaultSettings trips after five consecutive failures and probes again
// after thirty seconds.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMax: 1}
}

// Breaker implements a three-state circuit breaker:
// Closed → Open (after FailureThreshold consecutive failures)
// Open → HalfOpen (after ResetTimeout elapses)
// HalfOpen → Closed (after HalfOpenMax consecutive successes) or back to Open on failure.
type Breaker struct {
	mu sync.Mutex

	name     string
	settings Settings
	now      func() time.Time
	onChange func(name string, from, to State)

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 1
	}
	if s.HalfOpenMax <= 0 {
		s.HalfOpenMax = 1
	}
	return &Breaker{name: name, settings: s, now: time.Now}
}

// Allow reports whether a call should be permitted. In the Open state it
// transitions to HalfOpen once the reset timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.settings.ResetTimeout {
			b.halfOpenSuccesses = 0
			b.transition(HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.HalfOpenMax {
			b.transition(Closed)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.halfOpenSuccesses = 0
		b.transition(Open)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryIn returns how long until an open breaker lets a trial call through.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(0, b.settings.ResetTimeout-b.now().Sub(b.lastFailureTime))
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

// Registry is a thread-safe set of breakers keyed by upstream service.
// Breakers are created lazily on first access via Get.
type Registry struct {
	mu sync.Mutex

	breakers map[string]*Breaker
	settings Settings
	now      func() time.Time
	onChange func(name string, from, to State)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source of every breaker.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithStateHook runs fn on every breaker transition. fn runs with the
// breaker's lock held and must not call back into it.
func WithStateHook(fn func(name string, from, to State)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates a registry whose breakers use s.
func NewRegistry(s Settings, opts ...RegistryOption) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker), settings: s, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating one if necessary.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.settings)
		b.now = r.now
		b.onChange = r.onChange
		r.breakers[name] = b
	}
	return b
}

// States returns a snapshot of every breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for name, b := range r.breakers {
		breakers[name] = b
	}
	r.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for name, b := range breakers {
		out[name] = b.State()
	}
	return out
}
