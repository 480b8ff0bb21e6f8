package checker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/upstream"
)

const (
	// defaultRequestCeiling is assumed when the rate limit header is absent.
	defaultRequestCeiling = 3500
	// DefaultTrialCeiling is the largest requests-per-minute limit still
	// treated as a trial key.
	DefaultTrialCeiling   = 250
	deploymentsAPIVersion = "2023-03-15-preview"
)

// livenessPayload is deliberately invalid. A healthy key is refused with a
// 400, while revoked or exhausted keys fail with 401 or 429 first, so no
// quota is spent.
var livenessPayload = []byte(`{"model":"gpt-3.5-turbo","max_tokens":-1,"messages":[{"role":"user","content":""}]}`)

// OpenAIProber checks OpenAI keys and endpoint deployment keys.
type OpenAIProber struct {
	Client       *upstream.Client
	TrialCeiling int
}

// Probe runs the liveness check and, on the initial check, discovers
// model tiers and sibling organizations.
func (p *OpenAIProber) Probe(ctx context.Context, k keys.Key, initial bool) (Result, error) {
	if k.Special {
		res, err := p.probeDeployments(ctx, k)
		if !initial {
			// Later checks only need to know the endpoint still answers.
			return Result{}, err
		}
		if err != nil {
			log.Warn().Err(err).Str("key", k.Hash).Msg("could not list endpoint deployments")
		}
		return res, nil
	}

	var (
		res      Result
		caps     keys.Capability
		siblings []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		trial, org, err := p.liveness(gctx, k)
		res.Trial = trial
		res.Org = org
		return err
	})
	if initial {
		g.Go(func() error {
			var err error
			caps, err = p.models(gctx, k)
			return err
		})
		if k.Org == "" {
			g.Go(func() error {
				siblings = p.organizations(gctx, k)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if initial {
		res.Caps = caps
		res.CapsKnown = true
		res.Siblings = siblings
	} else {
		res.Org = ""
	}
	return res, nil
}

func (p *OpenAIProber) liveness(ctx context.Context, k keys.Key) (trial bool, org string, err error) {
	resp, err := p.Client.Do(ctx, k, upstream.Request{
		Method: http.MethodPost,
		Path:   "/v1/chat/completions",
		Body:   livenessPayload,
	})
	if err != nil {
		return false, "", err
	}
	if resp.Status != http.StatusBadRequest {
		return false, "", &StatusError{Status: resp.Status, Header: resp.Header, Body: resp.Body}
	}
	if typ := gjson.GetBytes(resp.Body, "error.type").String(); typ != "invalid_request_error" {
		log.Warn().Str("key", k.Hash).Str("type", typ).
			Msg("unexpected 400 error class while checking key; assuming it is valid")
	}

	ceiling, convErr := strconv.Atoi(resp.Header.Get("x-ratelimit-limit-requests"))
	if convErr != nil || ceiling <= 0 {
		ceiling = defaultRequestCeiling
	}
	limit := p.TrialCeiling
	if limit <= 0 {
		limit = DefaultTrialCeiling
	}
	return ceiling <= limit, normalizeOrg(resp.Header.Get("openai-organization")), nil
}

func (p *OpenAIProber) models(ctx context.Context, k keys.Key) (keys.Capability, error) {
	resp, err := p.Client.Do(ctx, k, upstream.Request{Method: http.MethodGet, Path: "/v1/models"})
	if err != nil {
		return 0, err
	}
	if resp.Status != http.StatusOK {
		return 0, &StatusError{Status: resp.Status, Header: resp.Header, Body: resp.Body}
	}
	var caps keys.Capability
	gjson.GetBytes(resp.Body, "data.#.id").ForEach(func(_, id gjson.Result) bool {
		caps |= capsForModel(id.String())
		return true
	})
	return caps, nil
}

// organizations lists the non-default organizations the secret belongs
// to. Failures only cost the siblings, so they are logged and dropped.
func (p *OpenAIProber) organizations(ctx context.Context, k keys.Key) []string {
	resp, err := p.Client.Do(ctx, k, upstream.Request{Method: http.MethodGet, Path: "/v1/organizations"})
	if err != nil || resp.Status != http.StatusOK {
		log.Debug().Err(err).Str("key", k.Hash).Msg("organization listing unavailable")
		return nil
	}
	var orgs []string
	gjson.GetBytes(resp.Body, "data").ForEach(func(_, item gjson.Result) bool {
		if item.Get("is_default").Bool() {
			return true
		}
		id := item.Get("id").String()
		if id == "" {
			id = item.Get("name").String()
		}
		if org := normalizeOrg(id); org != "" && org != keys.DefaultOrg {
			orgs = append(orgs, org)
		}
		return true
	})
	return orgs
}

// probeDeployments lists the deployments behind an endpoint key. On error
// the result still carries an empty deployment map.
func (p *OpenAIProber) probeDeployments(ctx context.Context, k keys.Key) (Result, error) {
	res := Result{CapsKnown: true, Org: keys.DefaultOrg, Deployments: map[string]string{}}
	resp, err := p.Client.Do(ctx, k, upstream.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/openai/deployments?api-version=%s", deploymentsAPIVersion),
	})
	if err != nil {
		return res, err
	}
	if resp.Status != http.StatusOK {
		return res, &StatusError{Status: resp.Status, Header: resp.Header, Body: resp.Body}
	}
	gjson.GetBytes(resp.Body, "data").ForEach(func(_, d gjson.Result) bool {
		if d.Get("status").String() != "succeeded" {
			return true
		}
		model := d.Get("model").String()
		res.Deployments[model] = d.Get("id").String()
		res.Caps |= capsForModel(model)
		return true
	})
	return res, nil
}

func capsForModel(id string) keys.Capability {
	switch {
	case strings.HasPrefix(id, "gpt-4-32k"):
		return keys.CapGPT4 | keys.CapGPT432k
	case strings.HasPrefix(id, "gpt-4-1106"), strings.HasPrefix(id, "gpt-4-0125"), strings.HasPrefix(id, "gpt-4-turbo"):
		return keys.CapGPT4 | keys.CapGPT4Turbo
	case strings.HasPrefix(id, "gpt-4-vision"):
		return keys.CapGPT4 | keys.CapGPT4Turbo | keys.CapVision
	case strings.HasPrefix(id, "gpt-4"):
		return keys.CapGPT4
	}
	return keys.CapNone
}

// normalizeOrg folds personal organizations into the default org.
func normalizeOrg(org string) string {
	if strings.Contains(org, "user") || strings.Contains(org, "personal") {
		return keys.DefaultOrg
	}
	return org
}
