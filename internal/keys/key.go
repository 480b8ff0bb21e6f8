package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"
	"time"
)

// Capability is a bitset of model tiers a key is allowed to use.
type Capability uint16

const (
	CapGPT4 Capability = 1 << iota
	CapGPT432k
	CapGPT4Turbo
	CapVision

	CapNone Capability = 0
)

var capNames = []struct {
	bit  Capability
	name string
}{
	{CapGPT4, "gpt4"},
	{CapGPT432k, "gpt4-32k"},
	{CapGPT4Turbo, "gpt4-turbo"},
	{CapVision, "vision"},
}

// Has reports whether every bit of want is present in c.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Names returns the tier names set in c.
func (c Capability) Names() []string {
	out := []string{}
	for _, n := range capNames {
		if c&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// ParseCapability converts tier names (as used in config) into a bitset.
// Unknown names are reported in the second return value.
func ParseCapability(names []string) (Capability, []string) {
	var c Capability
	var unknown []string
outer:
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, n := range capNames {
			if n.name == name {
				c |= n.bit
				continue outer
			}
		}
		unknown = append(unknown, name)
	}
	return c, unknown
}

// DisableReason records why a key was taken out of rotation.
type DisableReason int

const (
	ReasonRevoked DisableReason = iota
	ReasonQuota
)

func (r DisableReason) String() string {
	if r == ReasonQuota {
		return "quota"
	}
	return "revoked"
}

// Key is one provider credential and its observed state. Values returned
// from a Provider are copies; mutating them has no effect on the pool.
type Key struct {
	Secret   string  `json:"-"`
	Hash     string  `json:"hash"`
	Service  Service `json:"service"`
	Org      string  `json:"org,omitempty"`
	Region   string  `json:"region,omitempty"`
	Endpoint string  `json:"endpoint,omitempty"`

	Caps        Capability        `json:"-"`
	Special     bool              `json:"special,omitempty"`
	Deployments map[string]string `json:"-"`

	Disabled         bool `json:"disabled"`
	Revoked          bool `json:"revoked"`
	OverQuota        bool `json:"over_quota"`
	RequiresPreamble bool `json:"requires_preamble,omitempty"`
	Trial            bool `json:"trial"`

	RateLimitedAt time.Time     `json:"-"`
	RequestsReset time.Duration `json:"-"`
	TokensReset   time.Duration `json:"-"`

	PromptCount   int64     `json:"-"`
	LastUsedAt    time.Time `json:"-"`
	LastCheckedAt time.Time `json:"-"`
}

// Checked reports whether the key has completed at least one health check.
func (k *Key) Checked() bool {
	return !k.LastCheckedAt.IsZero()
}

// HasDeployment reports whether a special key serves model.
func (k *Key) HasDeployment(model string) bool {
	_, ok := k.Deployments[model]
	return ok
}

// resetWindow is the longer of the two advertised reset windows.
func (k *Key) resetWindow() time.Duration {
	return max(k.RequestsReset, k.TokensReset)
}

func (k *Key) clone() Key {
	c := *k
	if k.Deployments != nil {
		c.Deployments = maps.Clone(k.Deployments)
	}
	return c
}

// KeyView is the listing projection of a Key. It carries no secret.
type KeyView struct {
	Hash             string     `json:"hash"`
	Service          Service    `json:"service"`
	Org              string     `json:"org,omitempty"`
	Region           string     `json:"region,omitempty"`
	Special          bool       `json:"special,omitempty"`
	Tiers            []string   `json:"tiers"`
	Deployments      []string   `json:"deployments,omitempty"`
	Disabled         bool       `json:"disabled"`
	Revoked          bool       `json:"revoked"`
	OverQuota        bool       `json:"over_quota"`
	RequiresPreamble bool       `json:"requires_preamble,omitempty"`
	Trial            bool       `json:"trial"`
	PromptCount      int64      `json:"prompt_count"`
	RateLimitedAt    *time.Time `json:"rate_limited_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	LastCheckedAt    *time.Time `json:"last_checked_at,omitempty"`
}

// View projects k for external listing.
func (k *Key) View() KeyView {
	v := KeyView{
		Hash:             k.Hash,
		Service:          k.Service,
		Org:              k.Org,
		Region:           k.Region,
		Special:          k.Special,
		Tiers:            k.Caps.Names(),
		Disabled:         k.Disabled,
		Revoked:          k.Revoked,
		OverQuota:        k.OverQuota,
		RequiresPreamble: k.RequiresPreamble,
		Trial:            k.Trial,
		PromptCount:      k.PromptCount,
		RateLimitedAt:    timePtr(k.RateLimitedAt),
		LastUsedAt:       timePtr(k.LastUsedAt),
		LastCheckedAt:    timePtr(k.LastCheckedAt),
	}
	if len(k.Deployments) > 0 {
		v.Deployments = slices.Sorted(maps.Keys(k.Deployments))
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// DefaultOrg marks a key that sends no organization header.
const DefaultOrg = "default"

// HashSecret derives the stable identifier for a secret. Org siblings share
// a secret and are distinguished by org.
func HashSecret(prefix, secret, org string) string {
	material := secret
	if org != "" {
		material += ":" + org
	}
	sum := sha256.Sum256([]byte(material))
	return prefix + "-" + hex.EncodeToString(sum[:16])
}
