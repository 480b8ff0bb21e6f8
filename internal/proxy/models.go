package proxy

import (
	"maps"
	"slices"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// catalogue lists the models offered per service and the tier each needs.
var catalogue = map[keys.Service][]struct {
	id   string
	need keys.Capability
}{
	keys.ServiceOpenAI: {
		{"gpt-3.5-turbo", keys.CapNone},
		{"gpt-3.5-turbo-16k", keys.CapNone},
		{"gpt-3.5-turbo-instruct", keys.CapNone},
		{"gpt-4", keys.CapGPT4},
		{"gpt-4-0613", keys.CapGPT4},
		{"gpt-4-32k", keys.CapGPT432k},
		{"gpt-4-32k-0613", keys.CapGPT432k},
		{"gpt-4-1106-preview", keys.CapGPT4Turbo},
		{"gpt-4-turbo", keys.CapGPT4Turbo},
		{"gpt-4-vision-preview", keys.CapGPT4Turbo},
	},
	keys.ServiceAnthropic: {
		{"claude-instant-1", keys.CapNone},
		{"claude-instant-1.2", keys.CapNone},
		{"claude-2", keys.CapNone},
		{"claude-2.1", keys.CapNone},
	},
	keys.ServiceGoogle: {
		{"text-bison-001", keys.CapNone},
		{"chat-bison-001", keys.CapNone},
		{"gemini-pro", keys.CapNone},
	},
	keys.ServiceAWS: {
		{"anthropic.claude-v1", keys.CapNone},
		{"anthropic.claude-v2", keys.CapNone},
		{"anthropic.claude-instant-v1", keys.CapNone},
	},
	keys.ServiceAI21: {
		{"j2-light", keys.CapNone},
		{"j2-mid", keys.CapNone},
		{"j2-ultra", keys.CapNone},
	},
}

// ModelInfo is one entry of the models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-shaped models listing.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// availableModels lists the models at least one enabled key can serve,
// leaving out tiers the operator has switched off.
func availableModels(pool *keys.Pool) ModelList {
	list := ModelList{Object: "list", Data: []ModelInfo{}}
	for _, prov := range pool.Providers() {
		s := prov.Service()
		forbidden := prov.Settings().ForbiddenCaps

		var caps keys.Capability
		hasKeys := false
		deployments := map[string]bool{}
		for _, v := range prov.List() {
			if v.Disabled {
				continue
			}
			if v.Special {
				for _, m := range v.Deployments {
					deployments[m] = true
				}
				continue
			}
			hasKeys = true
			c, _ := keys.ParseCapability(v.Tiers)
			caps |= c
		}

		seen := map[string]bool{}
		add := func(id string) {
			if !seen[id] {
				seen[id] = true
				list.Data = append(list.Data, ModelInfo{ID: id, Object: "model", OwnedBy: string(s)})
			}
		}
		for _, m := range catalogue[s] {
			if m.need&forbidden != 0 {
				continue
			}
			if (hasKeys && caps.Has(m.need)) || deployments[m.id] {
				add(m.id)
			}
		}
		for _, m := range slices.Sorted(maps.Keys(deployments)) {
			if keys.PolicyFor(s).Requirement(m)&forbidden == 0 {
				add(m)
			}
		}
	}
	return list
}
