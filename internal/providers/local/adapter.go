// Package local implements providers.Adapter for locally-hosted
// OpenAI-compatible inference servers (Ollama's compatibility endpoint,
// vLLM, llama.cpp's server mode). Supports round-robin across multiple
// endpoints, grounded on the pack's multi-endpoint local-inference adapter.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

// Adapter implements providers.Adapter for local OpenAI-compatible servers.
type Adapter struct {
	id          string
	endpoints   []string
	counter     atomic.Uint64
	client      *http.Client
	defaultName string // model name substituted for the "local" alias
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) { a.endpoints = append(a.endpoints, endpoints...) }
}

// WithDefaultModel sets the concrete model name the "local" alias resolves to.
func WithDefaultModel(name string) Option {
	return func(a *Adapter) { a.defaultName = name }
}

// New creates a new local adapter with one or more endpoints.
func New(id, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

// HealthEndpoint returns a URL for health probing.
func (a *Adapter) HealthEndpoint() string {
	return a.endpoints[0] + "/v1/models"
}

// resolveModel rewrites the "local" alias to the configured default model.
// Callers never pass the literal alias to an adapter beyond this point.
func (a *Adapter) resolveModel(model string) string {
	if model == "local" && a.defaultName != "" {
		return a.defaultName
	}
	return model
}

func (a *Adapter) Complete(ctx context.Context, model string, messages []providers.Message, opts providers.CompletionOptions) (providers.CompletionResult, error) {
	payload := map[string]any{
		"model":    a.resolveModel(model),
		"messages": toWireMessages(messages),
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}

	body, err := providers.DoRequest(ctx, a.client, http.MethodPost, a.nextEndpoint()+"/v1/chat/completions", payload, nil)
	if err != nil {
		return providers.CompletionResult{}, err
	}
	return parseCompletion(body)
}

func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	body, err := providers.DoRequest(ctx, a.client, http.MethodGet, a.nextEndpoint()+"/v1/models", nil, nil)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	ids := make([]string, len(wire.Data))
	for i, m := range wire.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

func (a *Adapter) Probe(ctx context.Context) (providers.ProbeResult, error) {
	start := time.Now()
	_, err := providers.DoRequest(ctx, a.client, http.MethodGet, a.HealthEndpoint(), nil, nil)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return providers.ProbeResult{LatencyMs: latency, OK: false}, err
	}
	return providers.ProbeResult{LatencyMs: latency, OK: true}, nil
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassAuth}
		case se.StatusCode == http.StatusTooManyRequests:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassRateLimited, RetryAfterSecs: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassTransient}
		case se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusNotFound || se.StatusCode == 422:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassBadRequest}
		}
	}
	return &providers.ClassifiedError{Err: err, Class: providers.ClassTransient}
}

func toWireMessages(messages []providers.Message) []map[string]string {
	out := make([]map[string]string, len(messages))
	for i, m := range messages {
		out[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	return out
}

func parseCompletion(body []byte) (providers.CompletionResult, error) {
	var wire struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return providers.CompletionResult{}, err
	}
	var content string
	if len(wire.Choices) > 0 {
		content = wire.Choices[0].Message.Content
	}
	return providers.CompletionResult{
		Content:          content,
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
		ModelEchoed:      wire.Model,
	}, nil
}
