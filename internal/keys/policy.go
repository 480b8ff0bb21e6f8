package keys

import (
	"strings"
)

// Policy captures everything that differs between services as far as key
// handling goes: hash prefix, capability defaults, model tier rules and the
// shape of the raw secret.
type Policy struct {
	Service     Service
	Prefix      string
	InitialCaps Capability

	// Requirement returns the capability a model needs.
	Requirement func(model string) Capability
	// Parse fills the routing metadata encoded in a raw secret.
	Parse func(k *Key)
}

var policies = map[Service]Policy{
	ServiceOpenAI: {
		Service:     ServiceOpenAI,
		Prefix:      "oai",
		InitialCaps: CapGPT4,
		Requirement: openAIRequirement,
		Parse:       parseOpenAISecret,
	},
	ServiceAnthropic: {
		Service:     ServiceAnthropic,
		Prefix:      "ant",
		Requirement: noRequirement,
		Parse:       func(*Key) {},
	},
	ServiceGoogle: {
		Service:     ServiceGoogle,
		Prefix:      "plm",
		InitialCaps: CapVision,
		Requirement: googleRequirement,
		Parse:       func(*Key) {},
	},
	ServiceAWS: {
		Service:     ServiceAWS,
		Prefix:      "aws",
		Requirement: noRequirement,
		Parse:       parseAWSSecret,
	},
	ServiceAI21: {
		Service:     ServiceAI21,
		Prefix:      "ai2",
		Requirement: noRequirement,
		Parse:       func(*Key) {},
	},
}

// PolicyFor returns the policy for s. Unknown services get a policy with no
// tier requirements.
func PolicyFor(s Service) Policy {
	if p, ok := policies[s]; ok {
		return p
	}
	return Policy{Service: s, Prefix: string(s), Requirement: noRequirement, Parse: func(*Key) {}}
}

func noRequirement(string) Capability { return CapNone }

func openAIRequirement(model string) Capability {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4-32k"):
		return CapGPT432k
	case strings.HasPrefix(m, "gpt-4-turbo"),
		strings.HasPrefix(m, "gpt-4-1106"),
		strings.HasPrefix(m, "gpt-4-0125"),
		strings.HasPrefix(m, "gpt-4-vision"):
		return CapGPT4Turbo
	case strings.HasPrefix(m, "gpt-4"):
		return CapGPT4
	}
	return CapNone
}

func googleRequirement(model string) Capability {
	if strings.Contains(strings.ToLower(model), "vision") {
		return CapVision
	}
	return CapNone
}

// parseOpenAISecret recognises "https://endpoint;apikey" deployment keys.
func parseOpenAISecret(k *Key) {
	endpoint, _, ok := strings.Cut(k.Secret, ";")
	if !ok {
		return
	}
	k.Special = true
	k.Endpoint = strings.TrimRight(endpoint, "/")
}

const defaultAWSRegion = "us-east-1"

// parseAWSSecret splits "ACCESS_KEY:SECRET_KEY:REGION".
func parseAWSSecret(k *Key) {
	parts := strings.Split(k.Secret, ":")
	k.Region = defaultAWSRegion
	if len(parts) == 3 && parts[2] != "" {
		k.Region = parts[2]
	}
}

// Credential returns the value sent to the upstream for authentication.
// For deployment keys that is the part after the endpoint.
func (k *Key) Credential() string {
	if k.Special {
		if _, apiKey, ok := strings.Cut(k.Secret, ";"); ok {
			return apiKey
		}
	}
	return k.Secret
}
