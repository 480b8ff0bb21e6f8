package proxy

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// Dialect identifies the request schema a client speaks.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGoogle    Dialect = "google"
	DialectAI21      Dialect = "ai21"
	DialectUnknown   Dialect = ""
)

// DetectDialect inspects the request path and returns the dialect it
// belongs to.
func DetectDialect(path string) Dialect {
	switch {
	case strings.HasPrefix(path, "/v1/messages"), strings.HasPrefix(path, "/v1/complete"):
		return DialectAnthropic
	case strings.HasPrefix(path, "/v1/chat/completions"), strings.HasPrefix(path, "/v1/completions"),
		strings.HasPrefix(path, "/v1/embeddings"):
		return DialectOpenAI
	case strings.HasPrefix(path, "/v1beta/"), strings.Contains(path, ":generateContent"):
		return DialectGoogle
	case strings.HasPrefix(path, "/studio/"):
		return DialectAI21
	}
	return DialectUnknown
}

var errNoModel = errors.New("request body has no model field")

// ExtractModel reads the requested model from a JSON request body.
func ExtractModel(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", errors.New("request body is not valid JSON")
	}
	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || strings.TrimSpace(model.String()) == "" {
		return "", errNoModel
	}
	return model.String(), nil
}

// Transformer converts a client request body into the dialect of the
// service that will serve it. It runs at most once per request.
type Transformer interface {
	Transform(from Dialect, to keys.Service, body []byte) ([]byte, error)
}

// Passthrough forwards bodies unchanged.
type Passthrough struct{}

func (Passthrough) Transform(_ Dialect, _ keys.Service, body []byte) ([]byte, error) {
	return body, nil
}
