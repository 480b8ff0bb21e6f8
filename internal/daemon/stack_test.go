package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allaspectsdev/keyrelay/internal/config"
	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/testutil"
)

type fakeSecrets map[string][]string

func (f fakeSecrets) Resolve(refs []string) ([]string, []error) {
	var out []string
	var errs []error
	for _, ref := range refs {
		s, ok := f[ref]
		if !ok {
			errs = append(errs, errors.New("unknown ref "+ref))
			continue
		}
		out = append(out, s...)
	}
	return out, errs
}

func testConfig(t *testing.T, openaiBase string) *config.Config {
	cfg := testutil.NewTestConfig(t)
	cfg.Auth.Token = "admin"
	cfg.Providers = map[string]config.ProviderConfig{
		"openai":    {APIBase: openaiBase, KeyRefs: []string{"env:OPENAI", "env:MISSING"}},
		"anthropic": {KeyRefs: []string{"env:ANTHROPIC"}, CheckKeys: true},
	}
	cfg.Selection.SelfThrottle = time.Millisecond
	cfg.Selection.ForbiddenTiers = []string{"gpt4-32k"}
	cfg.Queue.PollInterval = 5 * time.Millisecond
	return cfg
}

var testSecrets = fakeSecrets{
	"env:OPENAI":    {"sk-one", "sk-two"},
	"env:ANTHROPIC": {"sk-ant-api03-one"},
}

func TestBuild(t *testing.T) {
	st, err := build(testConfig(t, ""), testSecrets)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := len(st.pool.List()); got != 3 {
		t.Errorf("keys loaded = %d; want 3", got)
	}
	// Every service gets a provider so keys can be added at runtime.
	if got := len(st.pool.Providers()); got != len(keys.Services) {
		t.Errorf("providers = %d; want %d", got, len(keys.Services))
	}
	if len(st.checkers) != 1 {
		t.Errorf("checkers = %d; want 1 (only anthropic checks keys)", len(st.checkers))
	}

	p, _ := st.pool.Provider(keys.ServiceOpenAI)
	if p.Settings().ForbiddenCaps != keys.CapGPT432k {
		t.Errorf("ForbiddenCaps = %v; want gpt4-32k", p.Settings().ForbiddenCaps)
	}
	if p.Settings().CheckKeys {
		t.Error("openai should not be checked")
	}
	if st.collector == nil {
		t.Error("metrics are enabled by default")
	}
}

func TestBuild_InvalidRecheckSchedule(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Checker.RecheckSchedule = "not cron"
	if _, err := build(cfg, testSecrets); err == nil {
		t.Error("expected an error for an invalid recheck schedule")
	}
}

func TestApply(t *testing.T) {
	cfg := testConfig(t, "")
	st, err := build(cfg, testSecrets)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	next := testConfig(t, "")
	next.Selection.CooldownThreshold = 5 * time.Minute
	next.Selection.ForbiddenTiers = nil
	next.Providers["anthropic"] = config.ProviderConfig{CheckKeys: false}
	next.Checker.RecheckSchedule = "0 4 * * *"
	st.apply(next)

	p, _ := st.pool.Provider(keys.ServiceAnthropic)
	s := p.Settings()
	if s.CooldownThreshold != 5*time.Minute {
		t.Errorf("CooldownThreshold = %s; want 5m", s.CooldownThreshold)
	}
	if s.ForbiddenCaps != keys.CapNone {
		t.Errorf("ForbiddenCaps = %v; want none", s.ForbiddenCaps)
	}
	if !s.CheckKeys {
		t.Error("CheckKeys must not change while the checker is running")
	}
	if st.recheck.spec != "0 4 * * *" {
		t.Errorf("recheck spec = %q", st.recheck.spec)
	}
}

// A request travels through the assembled relay to the upstream.
func TestStack_ServesRequests(t *testing.T) {
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer sk-one" && r.Header.Get("Authorization") != "Bearer sk-two" {
			t.Errorf("unexpected credential %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, testutil.OpenAIResponse())
	}))
	defer up.Close()

	cfg := testConfig(t, up.URL)
	cfg.Providers["anthropic"] = config.ProviderConfig{KeyRefs: []string{"env:ANTHROPIC"}}
	st, err := build(cfg, testSecrets)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	srv := httptest.NewServer(st.server.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(testutil.OpenAIChatRequest("gpt-4")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200 (body %s)", resp.StatusCode, body)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d; want 1", calls.Load())
	}

	// The forbidden tier is refused without reaching the upstream.
	resp, err = http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(testutil.OpenAIChatRequest("gpt-4-32k")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("forbidden tier status = %d; want 403", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(metricsBody), "keyrelay_") {
		t.Error("metrics endpoint does not expose keyrelay metrics")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		" WARN ":  "warn",
		"warning": "warn",
		"bogus":   "info",
	}
	for in, want := range tests {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s; want %s", in, got, want)
		}
	}
}

func TestWriteStatus_NotRunning(t *testing.T) {
	cfg := testutil.NewTestConfig(t)

	var out strings.Builder
	if err := writeStatus(&out, cfg); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	if !strings.Contains(out.String(), "not running") {
		t.Errorf("output = %q", out.String())
	}
}
