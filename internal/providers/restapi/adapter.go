// Package restapi implements thin, ApiCall-only REST wrapper clients for
// upstream services that are not chat-completion providers (GitHub, social
// and video generation APIs). They share the same providers.DoRequest
// helper the chat adapters use for tracing/request-ID propagation, but they
// are single-shot calls with none of the retry/fallback executor or budget
// enforcer wrapped around them; callers invoke Call directly from the
// relevant HTTP route, workflow step, or MCP tool and record the outcome as
// an ApiCall row rather than a Request row.
package restapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

// Client is a thin authenticated REST client for a single upstream service.
type Client struct {
	id      string
	baseURL string
	token   string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// New creates a thin REST client for a connection's base URL and bearer token.
func New(id, baseURL, token string, opts ...Option) *Client {
	c := &Client{
		id:      id,
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) ID() string { return c.id }

// Call issues a single REST operation and returns the raw response body.
// The caller is responsible for turning the outcome into an ApiCall row.
func (c *Client) Call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return providers.DoRequest(ctx, c.client, method, c.baseURL+path, payload, headers)
}

func (c *Client) Probe(ctx context.Context) (providers.ProbeResult, error) {
	start := time.Now()
	_, err := c.Call(ctx, http.MethodGet, "/", nil)
	latency := float64(time.Since(start).Milliseconds())
	// Any HTTP response at all (even a 404 for "/") proves the host is
	// reachable; only network-level failures count as probe failure here.
	var se *providers.StatusError
	if err != nil && !errors.As(err, &se) {
		return providers.ProbeResult{LatencyMs: latency, OK: false}, err
	}
	return providers.ProbeResult{LatencyMs: latency, OK: true}, nil
}
