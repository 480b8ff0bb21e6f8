package keys

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings are the tunables of selection and rate-limit bookkeeping.
type Settings struct {
	// CooldownThreshold is how long after a rate limit a key stays
	// deprioritised during selection.
	CooldownThreshold time.Duration
	// SelfThrottle is the reset window imposed on a key each time it is
	// handed out, spreading bursts across keys until real headers arrive.
	SelfThrottle time.Duration
	// MaxResetWindow caps upstream-advertised reset windows.
	MaxResetWindow time.Duration
	// ForbiddenCaps are tiers the operator has switched off.
	ForbiddenCaps Capability
	// CheckKeys reports whether a checker is probing this provider's keys.
	CheckKeys bool
}

// DefaultSettings returns the stock tunables.
func DefaultSettings() Settings {
	return Settings{
		CooldownThreshold: 60 * time.Second,
		SelfThrottle:      time.Second,
		MaxResetWindow:    10 * time.Second,
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option {
	return func(p *Provider) { p.settings = s }
}

// Provider owns every key of one service. All access goes through its
// methods; callers only ever see copies.
type Provider struct {
	mu       sync.Mutex
	policy   Policy
	keys     []*Key
	settings Settings
	now      func() time.Time
	onChange []func()
	log      zerolog.Logger
}

// NewProvider creates a provider for service seeded with secrets.
// Duplicate and blank secrets are ignored.
func NewProvider(service Service, secrets []string, opts ...Option) *Provider {
	p := &Provider{
		policy:   PolicyFor(service),
		settings: DefaultSettings(),
		now:      time.Now,
		log:      log.With().Str("component", "keys").Str("service", string(service)).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, s := range secrets {
		p.AddKey(s)
	}
	p.log.Info().Int("keys", len(p.keys)).Msg("key provider initialized")
	return p
}

// Service returns the service this provider serves.
func (p *Provider) Service() Service {
	return p.policy.Service
}

// SetSettings swaps the tunables, e.g. after a config reload.
func (p *Provider) SetSettings(s Settings) {
	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()
}

// Settings returns the current tunables.
func (p *Provider) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// OnChange registers fn to run after keys are added or reset for recheck.
// Callbacks run without the provider lock held.
func (p *Provider) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

func (p *Provider) notify() {
	p.mu.Lock()
	cbs := make([]func(), len(p.onChange))
	copy(cbs, p.onChange)
	p.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// AddKey adds a raw secret. It reports false for blank secrets and exact
// duplicates.
func (p *Provider) AddKey(secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}

	p.mu.Lock()
	for _, k := range p.keys {
		if k.Secret == secret {
			p.mu.Unlock()
			return false
		}
	}
	k := &Key{
		Secret:  secret,
		Hash:    HashSecret(p.policy.Prefix, secret, ""),
		Service: p.policy.Service,
		Caps:    p.policy.InitialCaps,
	}
	p.policy.Parse(k)
	p.keys = append(p.keys, k)
	p.mu.Unlock()

	p.log.Info().Str("hash", k.Hash).Bool("special", k.Special).Msg("key added")
	p.notify()
	return true
}

// Register inserts a fully formed key, such as an org sibling discovered by
// the checker. It is idempotent by hash.
func (p *Provider) Register(k Key) bool {
	p.mu.Lock()
	for _, existing := range p.keys {
		if existing.Hash == k.Hash {
			p.mu.Unlock()
			return false
		}
	}
	k.Service = p.policy.Service
	nk := k.clone()
	p.keys = append(p.keys, &nk)
	p.mu.Unlock()

	p.log.Info().Str("hash", k.Hash).Str("org", k.Org).Msg("key registered")
	p.notify()
	return true
}

// DeleteByHash removes a key. It reports false when no key has that hash.
func (p *Provider) DeleteByHash(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.keys {
		if k.Hash == hash {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			p.log.Info().Str("hash", hash).Msg("key deleted")
			return true
		}
	}
	return false
}

// List returns a secret-free view of every key.
func (p *Provider) List() []KeyView {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]KeyView, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, k.View())
	}
	return out
}

// Snapshot returns a copy of the key with the given hash.
func (p *Provider) Snapshot(hash string) (Key, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k := p.find(hash); k != nil {
		return k.clone(), true
	}
	return Key{}, false
}

// Pending returns copies of every enabled key.
func (p *Provider) Pending() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Key, 0, len(p.keys))
	for _, k := range p.keys {
		if !k.Disabled {
			out = append(out, k.clone())
		}
	}
	return out
}

// Get selects a key for model and marks it used. The returned key is a copy.
func (p *Provider) Get(model string) (Key, error) {
	need := p.policy.Requirement(model)

	p.mu.Lock()
	defer p.mu.Unlock()

	if need&p.settings.ForbiddenCaps != 0 {
		return Key{}, &SelectionError{
			Service: p.policy.Service,
			Model:   model,
			Err:     ErrProxyDisabledFeature,
			Note:    fmt.Sprintf("The %s tier has been disabled on this proxy.", strings.Join(need.Names(), ", ")),
		}
	}

	now := p.now()
	k := selectKey(partition(p.keys, need), model, now, p.settings.CooldownThreshold)
	if k == nil {
		note := fmt.Sprintf("No active %s keys can serve %s.", p.policy.Service, model)
		if need != CapNone {
			note = fmt.Sprintf("No active %s keys have access to the %s tier required by %s.",
				p.policy.Service, strings.Join(need.Names(), ", "), model)
		}
		return Key{}, &SelectionError{Service: p.policy.Service, Model: model, Err: ErrNoKeyAvailable, Note: note}
	}

	k.LastUsedAt = now
	k.RateLimitedAt = now
	k.RequestsReset = p.settings.SelfThrottle
	return k.clone(), nil
}

// Update runs fn against the live key with the given hash while holding the
// provider lock. fn must not retain the pointer. It reports false when the
// key no longer exists.
func (p *Provider) Update(hash string, fn func(k *Key)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(hash)
	if k == nil {
		return false
	}
	fn(k)
	return true
}

// Disable takes a key out of rotation. Repeated calls are no-ops.
func (p *Provider) Disable(hash string, reason DisableReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(hash)
	if k == nil || k.Disabled {
		return
	}
	k.Disabled = true
	switch reason {
	case ReasonQuota:
		k.OverQuota = true
	case ReasonRevoked:
		k.Revoked = true
	}
	p.log.Warn().Str("hash", hash).Stringer("reason", reason).Msg("key disabled")
}

// MarkRateLimited records that the upstream throttled the key just now.
func (p *Provider) MarkRateLimited(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k := p.find(hash); k != nil {
		k.RateLimitedAt = p.now()
		p.log.Debug().Str("hash", hash).Msg("key rate limited")
	}
}

// UpdateRateLimits stores upstream-advertised reset windows. Unparsable
// values leave the stored window untouched.
func (p *Provider) UpdateRateLimits(hash, requestsRaw, tokensRaw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(hash)
	if k == nil {
		return
	}
	if d, ok := ParseResetWindow(requestsRaw); ok {
		k.RequestsReset = clampWindow(d, p.settings.MaxResetWindow)
	}
	if d, ok := ParseResetWindow(tokensRaw); ok {
		k.TokensReset = clampWindow(d, p.settings.MaxResetWindow)
	}
}

// IncrementUsage counts one completed prompt against the key.
func (p *Provider) IncrementUsage(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k := p.find(hash); k != nil {
		k.PromptCount++
	}
}

// LockoutPeriod estimates how long until a key for model is usable.
func (p *Provider) LockoutPeriod(model string) time.Duration {
	need := p.policy.Requirement(model)
	p.mu.Lock()
	defer p.mu.Unlock()
	return lockout(partition(p.keys, need).eligible(model), p.now())
}

// Available counts enabled keys.
func (p *Provider) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if !k.Disabled {
			n++
		}
	}
	return n
}

// AnyUnchecked reports whether checking is on and some enabled key has never
// been checked.
func (p *Provider) AnyUnchecked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settings.CheckKeys {
		return false
	}
	for _, k := range p.keys {
		if !k.Disabled && !k.Checked() {
			return true
		}
	}
	return false
}

// ResetForRecheck clears health and capability state on every key so the
// checker probes them again from scratch.
func (p *Provider) ResetForRecheck() {
	p.mu.Lock()
	for _, k := range p.keys {
		k.Disabled = false
		k.Revoked = false
		k.OverQuota = false
		k.Caps = p.policy.InitialCaps
		k.LastCheckedAt = time.Time{}
	}
	n := len(p.keys)
	p.mu.Unlock()

	p.log.Info().Int("keys", n).Msg("keys reset for recheck")
	p.notify()
}

// Summary counts keys by state.
func (p *Provider) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	s := Summary{Service: p.policy.Service}
	for _, k := range p.keys {
		s.Total++
		switch {
		case k.Revoked:
			s.Revoked++
		case k.OverQuota:
			s.OverQuota++
		case k.Disabled:
		default:
			s.Active++
			if k.Trial {
				s.Trial++
			}
			if !k.Checked() {
				s.Unchecked++
			}
			if now.Sub(k.RateLimitedAt) < k.resetWindow() {
				s.RateLimited++
			}
		}
		s.Prompts += k.PromptCount
	}
	return s
}

// Summary is a per-service count of keys by state.
type Summary struct {
	Service     Service `json:"service"`
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	Trial       int     `json:"trial"`
	Revoked     int     `json:"revoked"`
	OverQuota   int     `json:"over_quota"`
	RateLimited int     `json:"rate_limited"`
	Unchecked   int     `json:"unchecked"`
	Prompts     int64   `json:"prompts"`
}

func (p *Provider) find(hash string) *Key {
	for _, k := range p.keys {
		if k.Hash == hash {
			return k
		}
	}
	return nil
}
