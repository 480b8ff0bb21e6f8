package keys

import (
	"errors"
	"fmt"
	"strings"
)

// Service identifies the upstream LLM API a key belongs to.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceGoogle    Service = "google"
	ServiceAWS       Service = "aws"
	ServiceAI21      Service = "ai21"
)

// Services lists every supported service in display order.
var Services = []Service{ServiceOpenAI, ServiceAnthropic, ServiceGoogle, ServiceAWS, ServiceAI21}

// ErrUnknownModel is returned when a model name matches no service.
var ErrUnknownModel = errors.New("unknown model")

// ParseService converts a config or URL name into a Service.
func ParseService(name string) (Service, error) {
	s := Service(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Services {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown service %q", name)
}

// ServiceForModel maps a requested model name onto the service that serves
// it. Matching is by prefix, checked in a fixed order.
func ServiceForModel(model string) (Service, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return "", fmt.Errorf("%w: empty model", ErrUnknownModel)
	case strings.HasPrefix(m, "anthropic."):
		return ServiceAWS, nil
	case strings.HasPrefix(m, "claude-"):
		return ServiceAnthropic, nil
	case strings.Contains(m, "bison"), strings.HasPrefix(m, "gemini"):
		return ServiceGoogle, nil
	case strings.HasPrefix(m, "j2-"), strings.HasPrefix(m, "jamba"):
		return ServiceAI21, nil
	case strings.HasPrefix(m, "gpt"),
		strings.HasPrefix(m, "text-"),
		strings.HasPrefix(m, "davinci"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"):
		return ServiceOpenAI, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// ServiceForSecret guesses the owning service from the shape of a raw
// credential. Anything unrecognised is assumed to be an AI21 key.
func ServiceForSecret(secret string) Service {
	switch {
	case strings.HasPrefix(secret, "sk-ant-"):
		return ServiceAnthropic
	case strings.HasPrefix(secret, "sk-"):
		return ServiceOpenAI
	case strings.Contains(secret, ";") && strings.HasPrefix(secret, "https://"):
		return ServiceOpenAI
	case strings.HasPrefix(secret, "AIzaSy"):
		return ServiceGoogle
	case strings.HasPrefix(secret, "AKIA"):
		return ServiceAWS
	default:
		return ServiceAI21
	}
}

// ServiceForHash recovers the service from a key hash prefix.
func ServiceForHash(hash string) (Service, bool) {
	prefix, _, ok := strings.Cut(hash, "-")
	if !ok {
		return "", false
	}
	for _, s := range Services {
		if policies[s].Prefix == prefix {
			return s, true
		}
	}
	return "", false
}
