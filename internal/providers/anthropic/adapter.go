// Package anthropic implements providers.Adapter for the Anthropic messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

const anthropicVersion = "2023-06-01"

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// New creates a new Anthropic adapter.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns a URL for health probing. A GET against the
// messages endpoint returns 405 (Method Not Allowed), which proves the
// endpoint is reachable without spending a token.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) Complete(ctx context.Context, model string, messages []providers.Message, opts providers.CompletionOptions) (providers.CompletionResult, error) {
	system, turns := splitSystem(messages)

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":      model,
		"messages":   turns,
		"max_tokens": maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}

	body, err := providers.DoRequest(ctx, a.client, http.MethodPost, a.baseURL+"/v1/messages", payload, map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return providers.CompletionResult{}, err
	}
	return parseCompletion(body)
}

// ListModels is not exposed by the Anthropic messages API; this adapter
// returns the small set of known model families so the /v1/models surface
// still reflects what the connection can serve.
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"claude-opus-4", "claude-sonnet-4", "claude-haiku-4"}, nil
}

func (a *Adapter) Probe(ctx context.Context) (providers.ProbeResult, error) {
	start := time.Now()
	_, err := providers.DoRequest(ctx, a.client, http.MethodGet, a.HealthEndpoint(), nil, map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	})
	latency := float64(time.Since(start).Milliseconds())
	// A 405 from the probe GET is expected and means the service is up.
	var se *providers.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusMethodNotAllowed {
		return providers.ProbeResult{LatencyMs: latency, OK: true}, nil
	}
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
		case se.StatusCode == http.StatusTooManyRequests || se.StatusCode == 529:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassRateLimited, RetryAfterSecs: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassTransient}
		case se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusNotFound || se.StatusCode == 422:
			// Includes the "prompt is too long" context-overflow case: this
			// taxonomy has no separate class for it, so it is a bad_request.
			return &providers.ClassifiedError{Err: err, Class: providers.ClassBadRequest}
		}
	}
	return &providers.ClassifiedError{Err: err, Class: providers.ClassTransient}
}

// splitSystem pulls the leading system message (if any) out of the message
// list, since Anthropic takes it as a separate top-level parameter.
func splitSystem(messages []providers.Message) (string, []map[string]string) {
	var system string
	turns := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		turns = append(turns, map[string]string{"role": m.Role, "content": m.Content})
	}
	return system, turns
}

func parseCompletion(body []byte) (providers.CompletionResult, error) {
	var wire struct {
		Model   string `json:"model"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return providers.CompletionResult{}, err
	}
	var content string
	if len(wire.Content) > 0 {
		content = wire.Content[0].Text
	}
	return providers.CompletionResult{
		Content:          content,
		PromptTokens:     wire.Usage.InputTokens,
		CompletionTokens: wire.Usage.OutputTokens,
		ModelEchoed:      wire.Model,
	}, nil
}
