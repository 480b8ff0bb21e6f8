package checker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/resilience"
	"github.com/allaspectsdev/keyrelay/internal/upstream"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

// fakeOpenAI answers probes according to the bearer secret used.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		switch secret {
		case "sk-revoked":
			writeJSON(w, 401, `{"error":{"type":"invalid_request_error","code":"invalid_api_key","message":"Incorrect API key"}}`)
		case "sk-throttled":
			writeJSON(w, 429, `{"error":{"type":"requests","message":"Rate limit reached"}}`)
		case "sk-tokens":
			writeJSON(w, 429, `{"error":{"type":"tokens"}}`)
		case "sk-quota":
			writeJSON(w, 429, `{"error":{"type":"insufficient_quota"}}`)
		case "sk-broken":
			w.WriteHeader(500)
			fmt.Fprint(w, "<html>oops</html>")
		case "sk-trial":
			w.Header().Set("x-ratelimit-limit-requests", "200")
			writeJSON(w, 400, `{"error":{"type":"invalid_request_error"}}`)
		default:
			w.Header().Set("x-ratelimit-limit-requests", "3500")
			if org := r.Header.Get("OpenAI-Organization"); org != "" {
				w.Header().Set("openai-organization", org)
			} else {
				w.Header().Set("openai-organization", "user-abc123")
			}
			writeJSON(w, 400, `{"error":{"type":"invalid_request_error"}}`)
		}
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer sk-gpt4" {
			writeJSON(w, 200, `{"data":[{"id":"gpt-3.5-turbo"},{"id":"gpt-4"},{"id":"gpt-4-32k-0613"}]}`)
			return
		}
		writeJSON(w, 200, `{"data":[{"id":"gpt-3.5-turbo"}]}`)
	})
	mux.HandleFunc("GET /v1/organizations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-gpt4" {
			writeJSON(w, 404, `{}`)
			return
		}
		writeJSON(w, 200, `{"data":[{"id":"org-main","is_default":true},{"id":"org-team","is_default":false}]}`)
	})
	mux.HandleFunc("GET /openai/deployments", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "azkey" {
			writeJSON(w, 401, `{}`)
			return
		}
		writeJSON(w, 200, `{"data":[
			{"model":"gpt-4","id":"dep-gpt4","status":"succeeded"},
			{"model":"gpt-35-turbo","id":"dep-35","status":"succeeded"},
			{"model":"gpt-4-32k","id":"dep-32k","status":"failed"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newOpenAIChecker(t *testing.T, secrets ...string) (*Checker, *keys.Provider, *httptest.Server, *clock) {
	t.Helper()
	srv := fakeOpenAI(t)
	clk := &clock{t: epoch}
	p := keys.NewProvider(keys.ServiceOpenAI, secrets, keys.WithClock(clk.Now))
	client := upstream.NewClient(upstream.WithBaseURL(keys.ServiceOpenAI, srv.URL))
	c := New(p, &OpenAIProber{Client: client}, WithClock(clk.Now))
	return c, p, srv, clk
}

func keyBySecret(t *testing.T, p *keys.Provider, secret string) keys.Key {
	t.Helper()
	hash := keys.HashSecret(keys.PolicyFor(p.Service()).Prefix, secret, "")
	k, ok := p.Snapshot(hash)
	if !ok {
		t.Fatalf("no key for secret %q", secret)
	}
	return k
}

func checkAll(c *Checker, p *keys.Provider) {
	var hashes []string
	for _, k := range p.Pending() {
		hashes = append(hashes, k.Hash)
	}
	c.Check(context.Background(), hashes)
}

// A 401 during a check revokes the key and removes it from selection.
func TestCheck_RevokedKey(t *testing.T) {
	c, p, _, _ := newOpenAIChecker(t, "sk-revoked", "sk-good")
	before := p.Available()

	checkAll(c, p)

	k := keyBySecret(t, p, "sk-revoked")
	if !k.Disabled || !k.Revoked {
		t.Fatalf("revoked key state: disabled=%v revoked=%v", k.Disabled, k.Revoked)
	}
	if k.Caps != keys.CapNone {
		t.Errorf("revoked key should lose its tiers, got %v", k.Caps.Names())
	}
	if got := p.Available(); got != before-1 {
		t.Errorf("Available: got %d, want %d", got, before-1)
	}
	for i := 0; i < 5; i++ {
		got, err := p.Get("gpt-3.5-turbo")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Hash == k.Hash {
			t.Fatal("revoked key was selected")
		}
	}
}

func TestCheck_InitialDiscovery(t *testing.T) {
	c, p, _, clk := newOpenAIChecker(t, "sk-gpt4", "sk-trial")

	checkAll(c, p)

	gpt4 := keyBySecret(t, p, "sk-gpt4")
	if !gpt4.Caps.Has(keys.CapGPT4) || !gpt4.Caps.Has(keys.CapGPT432k) {
		t.Errorf("gpt4 key tiers: got %v", gpt4.Caps.Names())
	}
	if gpt4.Trial {
		t.Error("key with a 3500 rpm ceiling should not be a trial")
	}
	if gpt4.Org != keys.DefaultOrg {
		t.Errorf("personal org should normalize to default, got %q", gpt4.Org)
	}
	if !gpt4.LastCheckedAt.Equal(clk.Now()) {
		t.Errorf("LastCheckedAt: got %v, want %v", gpt4.LastCheckedAt, clk.Now())
	}

	trial := keyBySecret(t, p, "sk-trial")
	if !trial.Trial {
		t.Error("key with a 200 rpm ceiling should be a trial")
	}
	if trial.Caps.Has(keys.CapGPT4) {
		t.Error("trial key without gpt-4 models should lose the gpt4 tier")
	}

	sibHash := keys.HashSecret("oai", "sk-gpt4", "org-team")
	sib, ok := p.Snapshot(sibHash)
	if !ok {
		t.Fatal("organization sibling was not registered")
	}
	if sib.Org != "org-team" || sib.Checked() {
		t.Errorf("sibling: org=%q checked=%v", sib.Org, sib.Checked())
	}
	if _, ok := p.Snapshot(keys.HashSecret("oai", "sk-gpt4", "org-main")); ok {
		t.Error("default org must not become a sibling")
	}
}

func TestCheck_SiblingUsesOrgHeader(t *testing.T) {
	c, p, _, _ := newOpenAIChecker(t, "sk-gpt4")
	checkAll(c, p)
	checkAll(c, p)

	sib, ok := p.Snapshot(keys.HashSecret("oai", "sk-gpt4", "org-team"))
	if !ok || !sib.Checked() {
		t.Fatalf("sibling should be checked on the next round, got %+v", sib.View())
	}
	if sib.Org != "org-team" {
		t.Errorf("sibling org: got %q, want org-team", sib.Org)
	}
}

func TestCheck_FailureHandling(t *testing.T) {
	tests := []struct {
		secret       string
		disabled     bool
		overQuota    bool
		lastCheckOff time.Duration
	}{
		{"sk-throttled", false, false, 15*time.Second - time.Hour},
		{"sk-tokens", false, false, 0},
		{"sk-quota", true, true, 0},
		{"sk-broken", false, false, time.Minute - time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.secret, func(t *testing.T) {
			c, p, _, clk := newOpenAIChecker(t, tt.secret)
			checkAll(c, p)

			k := keyBySecret(t, p, tt.secret)
			if k.Disabled != tt.disabled || k.OverQuota != tt.overQuota {
				t.Errorf("state: disabled=%v overQuota=%v", k.Disabled, k.OverQuota)
			}
			if k.Revoked {
				t.Error("key must not be revoked")
			}
			if want := clk.Now().Add(tt.lastCheckOff); !k.LastCheckedAt.Equal(want) {
				t.Errorf("LastCheckedAt: got %v, want %v", k.LastCheckedAt, want)
			}
		})
	}
}

func TestCheck_NetworkError(t *testing.T) {
	c, p, srv, clk := newOpenAIChecker(t, "sk-good")
	srv.Close()

	checkAll(c, p)

	k := keyBySecret(t, p, "sk-good")
	if k.Disabled {
		t.Error("network errors must not disable keys")
	}
	if want := clk.Now().Add(time.Minute - time.Hour); !k.LastCheckedAt.Equal(want) {
		t.Errorf("LastCheckedAt: got %v, want %v", k.LastCheckedAt, want)
	}
}

func TestCheck_DeploymentKey(t *testing.T) {
	srv := fakeOpenAI(t)
	clk := &clock{t: epoch}
	secret := srv.URL + ";azkey"
	p := keys.NewProvider(keys.ServiceOpenAI, []string{secret}, keys.WithClock(clk.Now))
	c := New(p, &OpenAIProber{Client: upstream.NewClient()}, WithClock(clk.Now))

	checkAll(c, p)

	k := keyBySecret(t, p, secret)
	if !k.Special {
		t.Fatal("endpoint key should be special")
	}
	if got := k.Deployments["gpt-4"]; got != "dep-gpt4" {
		t.Errorf("gpt-4 deployment: got %q, want dep-gpt4", got)
	}
	if _, ok := k.Deployments["gpt-4-32k"]; ok {
		t.Error("failed deployments must be ignored")
	}
	if !k.Caps.Has(keys.CapGPT4) || k.Caps.Has(keys.CapGPT432k) {
		t.Errorf("deployment tiers: got %v", k.Caps.Names())
	}
}

// Endpoint keys are rechecked against the deployments listing, so a dead
// endpoint credential is caught after the initial check.
func TestCheck_DeploymentKeyRecheck(t *testing.T) {
	var dead atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments" {
			t.Errorf("unexpected request %s", r.URL.Path)
		}
		if dead.Load() {
			writeJSON(w, 401, `{"error":{"code":"401","message":"Access denied due to invalid subscription key"}}`)
			return
		}
		writeJSON(w, 200, `{"data":[{"model":"gpt-4","id":"dep-gpt4","status":"succeeded"}]}`)
	}))
	defer srv.Close()

	clk := &clock{t: epoch}
	secret := srv.URL + ";azkey"
	p := keys.NewProvider(keys.ServiceOpenAI, []string{secret}, keys.WithClock(clk.Now))
	c := New(p, &OpenAIProber{Client: upstream.NewClient()}, WithClock(clk.Now))

	checkAll(c, p)
	k := keyBySecret(t, p, secret)
	if k.Disabled || k.Deployments["gpt-4"] != "dep-gpt4" {
		t.Fatalf("initial check: disabled=%v deployments=%v", k.Disabled, k.Deployments)
	}

	dead.Store(true)
	clk.Advance(time.Hour)
	c.Check(context.Background(), []string{k.Hash})

	k = keyBySecret(t, p, secret)
	if !k.Disabled || !k.Revoked {
		t.Errorf("recheck of a dead endpoint key: disabled=%v revoked=%v; want both", k.Disabled, k.Revoked)
	}
}

// All unchecked keys leave the unchecked state within ceil(N/batch) rounds.
func TestCheck_ProgressInBatches(t *testing.T) {
	var secrets []string
	for i := 0; i < 30; i++ {
		secrets = append(secrets, fmt.Sprintf("sk-key-%02d", i))
	}
	c, p, _, clk := newOpenAIChecker(t, secrets...)

	rounds := 0
	for ; rounds < 10; rounds++ {
		if p.Summary().Unchecked == 0 {
			break
		}
		plan := NextCheck(p.Pending(), time.Time{}, clk.Now(), c.currentSchedule())
		c.Check(context.Background(), plan.Hashes)
	}
	if rounds != 3 {
		t.Errorf("rounds to check 30 keys: got %d, want 3", rounds)
	}
}

type countingProber struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingProber) Probe(context.Context, keys.Key, bool) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return Result{}, p.err
}

func TestCheck_BreakerStopsProbes(t *testing.T) {
	clk := &clock{t: epoch}
	p := keys.NewProvider(keys.ServiceAnthropic, []string{"sk-ant-1", "sk-ant-2"}, keys.WithClock(clk.Now))
	prober := &countingProber{err: errors.New("connection refused")}
	reg := resilience.NewRegistry(resilience.Settings{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenMax: 1},
		resilience.WithClock(clk.Now))
	c := New(p, prober, WithClock(clk.Now), WithBreaker(reg.Get("anthropic")))

	c.Check(context.Background(), []string{keys.HashSecret("ant", "sk-ant-1", "")})
	c.Check(context.Background(), []string{keys.HashSecret("ant", "sk-ant-2", "")})
	if prober.calls != 1 {
		t.Errorf("probes while breaker open: got %d calls, want 1", prober.calls)
	}

	clk.Advance(time.Minute)
	prober.err = nil
	c.Check(context.Background(), []string{keys.HashSecret("ant", "sk-ant-2", "")})
	if prober.calls != 2 {
		t.Errorf("probe after reset timeout: got %d calls, want 2", prober.calls)
	}
	if reg.Get("anthropic").State() != resilience.Closed {
		t.Errorf("breaker should close after a successful probe, got %s", reg.Get("anthropic").State())
	}
}

func TestRun_ChecksNewKeys(t *testing.T) {
	p := keys.NewProvider(keys.ServiceAnthropic, nil)
	prober := &countingProber{}
	s := DefaultSchedule()
	s.BatchDelay = time.Millisecond
	c := New(p, prober, WithSchedule(s))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	p.AddKey("sk-ant-live")
	deadline := time.After(2 * time.Second)
	for p.Summary().Unchecked != 0 {
		select {
		case <-deadline:
			t.Fatal("new key was never checked")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestAnthropicProber(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantErr      bool
		wantPreamble bool
	}{
		{"live", 400, `{"error":{"type":"invalid_request_error","message":"prompt: field required"}}`, false, false},
		{"live without preamble", 400, `{"error":{"type":"invalid_request_error","message":"prompt must start with \"\n\nHuman:\" turn"}}`, false, true},
		{"revoked", 401, `{"error":{"type":"authentication_error"}}`, true, false},
		{"rate limited", 429, `{"error":{"type":"rate_limit_error"}}`, true, false},
		{"out of credit", 400, `{"error":{"type":"invalid_request_error","message":"Your credit balance is too low"}}`, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/complete" || r.Header.Get("x-api-key") != "sk-ant-x" {
					t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("x-api-key"))
				}
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			prober := &AnthropicProber{Client: upstream.NewClient(upstream.WithBaseURL(keys.ServiceAnthropic, srv.URL))}
			res, err := prober.Probe(context.Background(), keys.Key{Secret: "sk-ant-x", Service: keys.ServiceAnthropic}, true)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Probe error = %v, wantErr %v", err, tt.wantErr)
			}
			if res.RequiresPreamble != tt.wantPreamble {
				t.Errorf("RequiresPreamble = %v; want %v", res.RequiresPreamble, tt.wantPreamble)
			}
			var se *StatusError
			if tt.wantErr && (!errors.As(err, &se) || se.Status != tt.status) {
				t.Errorf("expected StatusError with status %d, got %v", tt.status, err)
			}
		})
	}
}

// A key that only accepts Human-prefixed prompts is flagged by the check
// so the first client request already gets the rewrite.
func TestCheck_AnthropicFlagsPreamble(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, `{"error":{"type":"invalid_request_error","message":"prompt must start with \"\n\nHuman:\" turn"}}`)
	}))
	defer srv.Close()

	clk := &clock{t: epoch}
	p := keys.NewProvider(keys.ServiceAnthropic, []string{"sk-ant-quirky"}, keys.WithClock(clk.Now))
	c := New(p, &AnthropicProber{Client: upstream.NewClient(upstream.WithBaseURL(keys.ServiceAnthropic, srv.URL))}, WithClock(clk.Now))

	checkAll(c, p)

	k := keyBySecret(t, p, "sk-ant-quirky")
	if k.Disabled {
		t.Error("preamble quirk must not disable the key")
	}
	if !k.RequiresPreamble {
		t.Error("key should be flagged as requiring the preamble")
	}
	if k.LastCheckedAt.IsZero() {
		t.Error("key should be marked checked")
	}
}
