package checker

import (
	"context"
	"net/http"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/upstream"
)

var anthropicPayload = []byte(`{"model":"claude-instant-1","prompt":"","max_tokens_to_sample":1}`)

// AnthropicProber checks Anthropic keys with an empty completion, which a
// live key refuses as an invalid request.
type AnthropicProber struct {
	Client *upstream.Client
}

func (p *AnthropicProber) Probe(ctx context.Context, k keys.Key, _ bool) (Result, error) {
	resp, err := p.Client.Do(ctx, k, upstream.Request{
		Method: http.MethodPost,
		Path:   "/v1/complete",
		Body:   anthropicPayload,
	})
	if err != nil {
		return Result{}, err
	}
	if resp.Status == http.StatusBadRequest {
		switch upstream.Classify(k.Service, resp.Status, resp.Body).Category {
		case upstream.CategoryBadRequest:
			return Result{}, nil
		case upstream.CategoryMissingPreamble:
			return Result{RequiresPreamble: true}, nil
		}
	}
	return Result{}, &StatusError{Status: resp.Status, Header: resp.Header, Body: resp.Body}
}
