package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/queue"
	"github.com/allaspectsdev/keyrelay/internal/resilience"
	"github.com/allaspectsdev/keyrelay/internal/tracing"
	"github.com/allaspectsdev/keyrelay/internal/version"
)

// maxResponseBytes bounds how much of an upstream body is buffered.
const maxResponseBytes = 32 << 20

// DefaultAnthropicVersion is sent when the client does not pick one.
const DefaultAnthropicVersion = "2023-06-01"

var defaultBaseURLs = map[keys.Service]string{
	keys.ServiceOpenAI:    "https://api.openai.com",
	keys.ServiceAnthropic: "https://api.anthropic.com",
	keys.ServiceGoogle:    "https://generativelanguage.googleapis.com",
	keys.ServiceAI21:      "https://api.ai21.com",
}

// ErrNoCredentials is returned when a key's service needs configuration the
// client lacks, such as a signer for aws keys.
var ErrNoCredentials = errors.New("no usable credentials for this service")

// Signer authenticates requests for services that sign rather than send a
// bearer credential.
type Signer interface {
	Sign(req *http.Request, k keys.Key, body []byte) error
}

// Request is one outbound call.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Client forwards requests to upstream services using a shared
// http.Client with connection pooling.
type Client struct {
	client   *http.Client
	baseURLs map[keys.Service]string
	signer   Signer

	dialAttempts int
	backoffBase  time.Duration
	backoffMax   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base for one service.
func WithBaseURL(s keys.Service, base string) ClientOption {
	return func(c *Client) {
		if base != "" {
			c.baseURLs[s] = strings.TrimRight(base, "/")
		}
	}
}

// WithTimeout sets the overall per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithSigner installs a request signer for AWS keys.
func WithSigner(s Signer) ClientOption {
	return func(c *Client) { c.signer = s }
}

// WithDialRetries retries calls that failed to connect at all, with
// jittered exponential backoff between attempts.
func WithDialRetries(attempts int, base, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.dialAttempts = max(1, attempts)
		c.backoffBase = base
		c.backoffMax = maxDelay
	}
}

// NewClient creates a Client with sensible defaults for connection pooling
// and timeouts.
func NewClient(opts ...ClientOption) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c := &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   120 * time.Second,
		},
		baseURLs:     make(map[keys.Service]string, len(defaultBaseURLs)),
		dialAttempts: 1,
	}
	for s, u := range defaultBaseURLs {
		c.baseURLs[s] = u
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL resolves path against the base the key should be sent to.
func (c *Client) URL(k keys.Key, path string) string {
	switch {
	case k.Special:
		return k.Endpoint + path
	case k.Service == keys.ServiceAWS:
		if base, ok := c.baseURLs[keys.ServiceAWS]; ok {
			return base + path
		}
		return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com%s", k.Region, path)
	default:
		return c.baseURLs[k.Service] + path
	}
}

// Do sends r with k's credentials and buffers the response. A non-nil
// error means no response was received.
func (c *Client) Do(ctx context.Context, k keys.Key, r Request) (*queue.Response, error) {
	url := c.URL(k, r.Path)
	ctx, span := tracing.StartUpstreamSpan(ctx, url, string(k.Service))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.dialAttempts; attempt++ {
		if attempt > 0 {
			if err := resilience.Sleep(ctx, resilience.Backoff(attempt-1, c.backoffBase, c.backoffMax)); err != nil {
				break
			}
		}
		resp, err := c.do(ctx, k, url, r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isDialError(err) {
			break
		}
	}
	tracing.RecordError(ctx, lastErr)
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, k keys.Key, url string, r Request) (*queue.Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	copyHeaders(req.Header, r.Header)
	req.Header.Set("User-Agent", version.UserAgent())
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req, k, r.Body); err != nil {
		return nil, err
	}
	tracing.InjectHeaders(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	return &queue.Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

func (c *Client) authorize(req *http.Request, k keys.Key, body []byte) error {
	cred := k.Credential()
	switch {
	case k.Special:
		req.Header.Set("api-key", cred)
	case k.Service == keys.ServiceOpenAI:
		req.Header.Set("Authorization", "Bearer "+cred)
		if k.Org != "" && k.Org != keys.DefaultOrg {
			req.Header.Set("OpenAI-Organization", k.Org)
		}
	case k.Service == keys.ServiceAnthropic:
		req.Header.Set("x-api-key", cred)
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", DefaultAnthropicVersion)
		}
	case k.Service == keys.ServiceGoogle:
		req.Header.Set("x-goog-api-key", cred)
	case k.Service == keys.ServiceAWS:
		if c.signer == nil {
			return fmt.Errorf("no request signer configured for aws keys: %w", ErrNoCredentials)
		}
		if err := c.signer.Sign(req, k, body); err != nil {
			return fmt.Errorf("signing aws request: %w", err)
		}
	default:
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	return nil
}

// strippedHeaders are never forwarded from the client.
var strippedHeaders = map[string]bool{
	"Authorization":       true,
	"X-Api-Key":           true,
	"Api-Key":             true,
	"X-Goog-Api-Key":      true,
	"Openai-Organization": true,
	"Host":                true,
	"Content-Length":      true,
	"Content-Type":        true,
	"Accept-Encoding":     true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Cookie":              true,
	"Origin":              true,
	"Referer":             true,
	"X-Forwarded-For":     true,
	"X-Real-Ip":           true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
