package keys

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// Pool routes key operations to the provider owning each service.
type Pool struct {
	providers map[Service]*Provider
}

// NewPool builds a pool over the given providers.
func NewPool(providers ...*Provider) *Pool {
	p := &Pool{providers: make(map[Service]*Provider, len(providers))}
	for _, prov := range providers {
		p.providers[prov.Service()] = prov
	}
	return p
}

// Provider returns the provider for s.
func (p *Pool) Provider(s Service) (*Provider, bool) {
	prov, ok := p.providers[s]
	return prov, ok
}

// Providers returns every provider in service order.
func (p *Pool) Providers() []*Provider {
	out := make([]*Provider, 0, len(p.providers))
	for _, s := range Services {
		if prov, ok := p.providers[s]; ok {
			out = append(out, prov)
		}
	}
	return out
}

// Get selects a key for model from the owning provider.
func (p *Pool) Get(model string) (Key, error) {
	s, err := ServiceForModel(model)
	if err != nil {
		return Key{}, err
	}
	prov, ok := p.providers[s]
	if !ok {
		return Key{}, &SelectionError{
			Service: s,
			Model:   model,
			Err:     ErrNoKeyAvailable,
			Note:    fmt.Sprintf("This proxy has no %s keys configured.", s),
		}
	}
	return prov.Get(model)
}

// AddKey adds a secret to the provider its shape belongs to.
func (p *Pool) AddKey(secret string) (Service, bool) {
	s := ServiceForSecret(secret)
	prov, ok := p.providers[s]
	if !ok {
		return s, false
	}
	return s, prov.AddKey(secret)
}

// DeleteByHash removes a key from the provider named by its hash prefix.
func (p *Pool) DeleteByHash(hash string) bool {
	s, ok := ServiceForHash(hash)
	if !ok {
		return false
	}
	prov, ok := p.providers[s]
	if !ok {
		return false
	}
	return prov.DeleteByHash(hash)
}

// List returns every key, sorted by service then hash.
func (p *Pool) List() []KeyView {
	var out []KeyView
	for _, prov := range p.Providers() {
		out = append(out, prov.List()...)
	}
	slices.SortFunc(out, func(a, b KeyView) int {
		if c := cmp.Compare(a.Service, b.Service); c != 0 {
			return c
		}
		return cmp.Compare(a.Hash, b.Hash)
	})
	return out
}

func (p *Pool) owner(k Key) *Provider {
	return p.providers[k.Service]
}

// Disable disables k in its provider.
func (p *Pool) Disable(k Key, reason DisableReason) {
	if prov := p.owner(k); prov != nil {
		prov.Disable(k.Hash, reason)
	}
}

// MarkRateLimited marks k as throttled now.
func (p *Pool) MarkRateLimited(k Key) {
	if prov := p.owner(k); prov != nil {
		prov.MarkRateLimited(k.Hash)
	}
}

// UpdateRateLimits reads reset windows from upstream response headers.
func (p *Pool) UpdateRateLimits(k Key, h http.Header) {
	prov := p.owner(k)
	if prov == nil {
		return
	}
	req, tok := ResetHeaders(h)
	if req == "" && tok == "" {
		return
	}
	prov.UpdateRateLimits(k.Hash, req, tok)
}

// IncrementUsage counts a completed prompt against k.
func (p *Pool) IncrementUsage(k Key) {
	if prov := p.owner(k); prov != nil {
		prov.IncrementUsage(k.Hash)
	}
}

// Update applies fn to the live record behind k.
func (p *Pool) Update(k Key, fn func(*Key)) bool {
	if prov := p.owner(k); prov != nil {
		return prov.Update(k.Hash, fn)
	}
	return false
}

// LockoutPeriod returns the provider's lockout estimate for model.
func (p *Pool) LockoutPeriod(s Service, model string) time.Duration {
	if prov, ok := p.providers[s]; ok {
		return prov.LockoutPeriod(model)
	}
	return 0
}

// Available counts enabled keys for s.
func (p *Pool) Available(s Service) int {
	if prov, ok := p.providers[s]; ok {
		return prov.Available()
	}
	return 0
}

// AnyUnchecked reports whether s still has keys awaiting their first check.
func (p *Pool) AnyUnchecked(s Service) bool {
	if prov, ok := p.providers[s]; ok {
		return prov.AnyUnchecked()
	}
	return false
}

// Recheck resets every provider so all keys are probed again.
func (p *Pool) Recheck() {
	for _, prov := range p.Providers() {
		prov.ResetForRecheck()
	}
}

// Summary returns per-service key counts.
func (p *Pool) Summary() []Summary {
	providers := p.Providers()
	out := make([]Summary, 0, len(providers))
	for _, prov := range providers {
		out = append(out, prov.Summary())
	}
	return out
}
