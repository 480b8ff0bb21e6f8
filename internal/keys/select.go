package keys

import (
	"slices"
	"time"
)

// candidates are the two key sets a request can be served from. Fallback
// holds deployment keys and is only consulted when primary is empty.
type candidates struct {
	primary  []*Key
	fallback []*Key
}

// partition filters keys for a request needing the given capability.
func partition(all []*Key, need Capability) candidates {
	var c candidates
	for _, k := range all {
		if k.Disabled {
			continue
		}
		switch {
		case k.Special:
			c.fallback = append(c.fallback, k)
		case k.Caps.Has(need):
			c.primary = append(c.primary, k)
		}
	}
	return c
}

// eligible is the set lockout estimates are computed over.
func (c candidates) eligible(model string) []*Key {
	if len(c.primary) > 0 {
		return c.primary
	}
	var out []*Key
	for _, k := range c.fallback {
		if k.HasDeployment(model) {
			out = append(out, k)
		}
	}
	return out
}

// order sorts keys best-first: keys outside the cooldown window, then the
// longest cooling; trial before paid; least recently used.
func order(ks []*Key, now time.Time, cooldown time.Duration) {
	slices.SortStableFunc(ks, func(a, b *Key) int {
		aCool := now.Sub(a.RateLimitedAt) < cooldown
		bCool := now.Sub(b.RateLimitedAt) < cooldown
		if aCool != bCool {
			if aCool {
				return 1
			}
			return -1
		}
		if aCool {
			if c := a.RateLimitedAt.Compare(b.RateLimitedAt); c != 0 {
				return c
			}
		}
		if a.Trial != b.Trial {
			if a.Trial {
				return -1
			}
			return 1
		}
		return a.LastUsedAt.Compare(b.LastUsedAt)
	})
}

// selectKey chooses the key to serve model, or nil. It does not mutate the
// chosen key.
func selectKey(c candidates, model string, now time.Time, cooldown time.Duration) *Key {
	if len(c.primary) > 0 {
		order(c.primary, now, cooldown)
		return c.primary[0]
	}
	order(c.fallback, now, cooldown)
	for _, k := range c.fallback {
		if k.HasDeployment(model) {
			return k
		}
	}
	return nil
}

// lockout returns how long until some key in eligible leaves its rate-limit
// window. An empty set has no lockout.
func lockout(eligible []*Key, now time.Time) time.Duration {
	if len(eligible) == 0 {
		return 0
	}
	soonest := time.Duration(-1)
	for _, k := range eligible {
		wait := k.RateLimitedAt.Add(k.resetWindow()).Sub(now)
		if wait <= 0 {
			return 0
		}
		if soonest < 0 || wait < soonest {
			soonest = wait
		}
	}
	return soonest
}
