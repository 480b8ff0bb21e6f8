package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/queue"
)

func TestOutboundRequest(t *testing.T) {
	entry := func(model, path, body string) *queue.Entry {
		e := queue.NewEntry(context.Background(), keys.ServiceAnthropic, model)
		e.Path = path
		e.Body = []byte(body)
		return e
	}

	t.Run("preamble only for flagged anthropic keys", func(t *testing.T) {
		e := entry("claude-2", "/v1/complete", `{"prompt":"Hi"}`)
		plain, err := outboundRequest(keys.Key{Service: keys.ServiceAnthropic}, e)
		if err != nil {
			t.Fatal(err)
		}
		if string(plain.Body) != `{"prompt":"Hi"}` {
			t.Errorf("unflagged key body = %s", plain.Body)
		}

		flagged, err := outboundRequest(keys.Key{Service: keys.ServiceAnthropic, RequiresPreamble: true}, e)
		if err != nil {
			t.Fatal(err)
		}
		if got := gjson.GetBytes(flagged.Body, "prompt").String(); got != "\n\nHuman:Hi" {
			t.Errorf("flagged key prompt = %q", got)
		}
		if string(e.Body) != `{"prompt":"Hi"}` {
			t.Error("entry body must not be modified by per-key rewrites")
		}
	})

	t.Run("deployment routing", func(t *testing.T) {
		e := entry("gpt-4", "/v1/chat/completions", `{}`)
		k := keys.Key{Service: keys.ServiceOpenAI, Special: true, Deployments: map[string]string{"gpt-4": "dep-1"}}
		req, err := outboundRequest(k, e)
		if err != nil {
			t.Fatal(err)
		}
		want := "/openai/deployments/dep-1/chat/completions?api-version=" + deploymentAPIVersion
		if req.Path != want {
			t.Errorf("path = %q; want %q", req.Path, want)
		}

		e.Model = "gpt-4-32k"
		if _, err := outboundRequest(k, e); err == nil {
			t.Error("expected an error for a model without a deployment")
		}
	})
}

func TestSelectionFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantNote string
	}{
		{"disabled tier", &keys.SelectionError{Err: keys.ErrProxyDisabledFeature, Note: "off"}, http.StatusForbidden, "off"},
		{"no keys", &keys.SelectionError{Err: keys.ErrNoKeyAvailable, Note: "none"}, http.StatusServiceUnavailable, "none"},
		{"unknown model", fmt.Errorf("%w: %q", keys.ErrUnknownModel, "x"), http.StatusBadRequest, ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := selectionFailure(tt.err)
			if resp.Status != tt.wantCode {
				t.Errorf("status = %d; want %d", resp.Status, tt.wantCode)
			}
			if got := gjson.GetBytes(resp.Body, "proxy_note").String(); got != tt.wantNote {
				t.Errorf("proxy_note = %q; want %q", got, tt.wantNote)
			}
		})
	}
}

// With no regular keys left, requests fall back to endpoint keys that
// have a deployment for the model.
func TestDispatch_DeploymentFallback(t *testing.T) {
	rec := &recorder{}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer up.Close()

	secret := up.URL + ";azkey"
	p := provider(keys.ServiceOpenAI, secret)
	p.Update(hashOf(keys.ServiceOpenAI, secret), func(k *keys.Key) {
		k.Deployments = map[string]string{"gpt-4": "prod-gpt4"}
	})
	st := newStack(t, "http://127.0.0.1:1", queue.DefaultConfig(), p)

	resp, body := post(t, st.srv.URL+"/v1/chat/completions", `{"model":"gpt-4","messages":[]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200 (body %s)", resp.StatusCode, body)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.paths) != 1 {
		t.Fatalf("upstream calls = %d; want 1", len(rec.paths))
	}
	if want := "/openai/deployments/prod-gpt4/chat/completions?api-version=" + deploymentAPIVersion; rec.paths[0] != want {
		t.Errorf("path = %q; want %q", rec.paths[0], want)
	}
	if rec.secrets[0] != "azkey" {
		t.Errorf("credential = %q; want azkey", rec.secrets[0])
	}
}

func TestDispatch_AWSWithoutSigner(t *testing.T) {
	p := provider(keys.ServiceAWS, "AKIAEXAMPLE:secret:us-east-1")
	st := newStack(t, "http://127.0.0.1:1", queue.DefaultConfig(), p)

	resp, body := post(t, st.srv.URL+"/v1/chat/completions", `{"model":"anthropic.claude-v2","messages":[]}`)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d; want %d (body %s)", resp.StatusCode, http.StatusNotImplemented, body)
	}
	if got := gjson.GetBytes(body, "error.type").String(); got != "proxy_configuration_error" {
		t.Errorf("error.type = %q; want proxy_configuration_error", got)
	}
	if note := gjson.GetBytes(body, "proxy_note").String(); !strings.Contains(note, "no usable credentials") {
		t.Errorf("proxy_note = %q; want it to mention missing credentials", note)
	}
	if n := st.pool.Available(keys.ServiceAWS); n != 1 {
		t.Errorf("available aws keys = %d; want 1", n)
	}
}
