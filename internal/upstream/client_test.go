package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/version"
)

func TestClientAuthHeaders(t *testing.T) {
	tests := []struct {
		name   string
		key    keys.Key
		header string
		want   string
	}{
		{"openai", keys.Key{Service: keys.ServiceOpenAI, Secret: "sk-1"}, "Authorization", "Bearer sk-1"},
		{"openai org", keys.Key{Service: keys.ServiceOpenAI, Secret: "sk-1", Org: "org-x"}, "OpenAI-Organization", "org-x"},
		{"anthropic", keys.Key{Service: keys.ServiceAnthropic, Secret: "sk-ant-1"}, "x-api-key", "sk-ant-1"},
		{"anthropic version", keys.Key{Service: keys.ServiceAnthropic, Secret: "sk-ant-1"}, "anthropic-version", DefaultAnthropicVersion},
		{"google", keys.Key{Service: keys.ServiceGoogle, Secret: "AIza1"}, "x-goog-api-key", "AIza1"},
		{"ai21", keys.Key{Service: keys.ServiceAI21, Secret: "ai21key"}, "Authorization", "Bearer ai21key"},
		{"user agent", keys.Key{Service: keys.ServiceOpenAI, Secret: "sk-1"}, "User-Agent", version.UserAgent()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tt.header)
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			c := NewClient(WithBaseURL(tt.key.Service, srv.URL))
			if _, err := c.Do(context.Background(), tt.key, Request{Path: "/x", Body: []byte(`{}`)}); err != nil {
				t.Fatalf("Do: %v", err)
			}
			if got != tt.want {
				t.Errorf("%s: got %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestClientDefaultOrgNotSent(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Values("OpenAI-Organization")
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(keys.ServiceOpenAI, srv.URL))
	k := keys.Key{Service: keys.ServiceOpenAI, Secret: "sk-1", Org: keys.DefaultOrg}
	if _, err := c.Do(context.Background(), k, Request{Method: http.MethodGet, Path: "/v1/models"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("default org should send no header, got %v", got)
	}
}

func TestClientStripsClientHeaders(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("x-ratelimit-reset-requests", "1s")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	in := http.Header{}
	in.Set("Authorization", "Bearer proxy-token")
	in.Set("Cookie", "session=1")
	in.Set("X-Forwarded-For", "10.0.0.1")
	in.Set("anthropic-beta", "tools")

	c := NewClient(WithBaseURL(keys.ServiceAnthropic, srv.URL))
	resp, err := c.Do(context.Background(), keys.Key{Service: keys.ServiceAnthropic, Secret: "sk-ant-1"},
		Request{Path: "/v1/messages", Header: in, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	for _, h := range []string{"Authorization", "Cookie", "X-Forwarded-For"} {
		if v := seen.Get(h); v != "" {
			t.Errorf("%s should be stripped, got %q", h, v)
		}
	}
	if got := seen.Get("anthropic-beta"); got != "tools" {
		t.Errorf("anthropic-beta: got %q, want tools", got)
	}
	if resp.Status != http.StatusTeapot {
		t.Errorf("status: got %d, want %d", resp.Status, http.StatusTeapot)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body: got %q", resp.Body)
	}
	if resp.Header.Get("x-ratelimit-reset-requests") != "1s" {
		t.Error("response headers should be preserved")
	}
}

func TestClientURL(t *testing.T) {
	c := NewClient()
	tests := []struct {
		name string
		key  keys.Key
		want string
	}{
		{"openai", keys.Key{Service: keys.ServiceOpenAI}, "https://api.openai.com/v1/chat/completions"},
		{"special", keys.Key{Service: keys.ServiceOpenAI, Special: true, Endpoint: "https://my.azure.com"},
			"https://my.azure.com/v1/chat/completions"},
		{"aws", keys.Key{Service: keys.ServiceAWS, Region: "us-west-2"},
			"https://bedrock-runtime.us-west-2.amazonaws.com/v1/chat/completions"},
	}
	for _, tt := range tests {
		if got := c.URL(tt.key, "/v1/chat/completions"); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestClientAWSWithoutSigner(t *testing.T) {
	c := NewClient(WithBaseURL(keys.ServiceAWS, "http://127.0.0.1:1"))
	_, err := c.Do(context.Background(), keys.Key{Service: keys.ServiceAWS, Secret: "AKIA:secret:us-east-1"}, Request{Path: "/x"})
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v; want ErrNoCredentials", err)
	}
}

func TestClientDialRetries(t *testing.T) {
	// Reserve a port and release it so connections are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(WithBaseURL(keys.ServiceOpenAI, "http://"+addr),
		WithDialRetries(3, time.Millisecond, 5*time.Millisecond))

	start := time.Now()
	_, err = c.Do(context.Background(), keys.Key{Service: keys.ServiceOpenAI, Secret: "sk-1"}, Request{Path: "/x"})
	if err == nil {
		t.Fatal("expected a dial error")
	}
	if !isDialError(err) {
		t.Errorf("expected dial error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("dial retries took too long")
	}
}

func TestClientNoRetryOnResponse(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(keys.ServiceOpenAI, srv.URL), WithDialRetries(3, time.Millisecond, time.Millisecond))
	resp, err := c.Do(context.Background(), keys.Key{Service: keys.ServiceOpenAI, Secret: "sk-1"}, Request{Path: "/x"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusInternalServerError || calls != 1 {
		t.Errorf("got status %d after %d calls, want 500 after 1", resp.Status, calls)
	}
}
