// Package openai implements providers.Adapter for the OpenAI chat completions
// API and OpenAI-compatible variants that keep the same request/response shape.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

// Adapter implements providers.Adapter for OpenAI.
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

// New creates a new OpenAI adapter.
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

// HealthEndpoint returns a URL for passive health probing. The models list
// endpoint requires only the API key and is cheap to call.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/models"
}

func (a *Adapter) Complete(ctx context.Context, model string, messages []providers.Message, opts providers.CompletionOptions) (providers.CompletionResult, error) {
	payload := map[string]any{
		"model":    model,
		"messages": toWireMessages(messages),
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}

	body, err := providers.DoRequest(ctx, a.client, http.MethodPost, a.baseURL+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return providers.CompletionResult{}, err
	}
	return parseCompletion(body)
}

func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	body, err := providers.DoRequest(ctx, a.client, http.MethodGet, a.baseURL+"/v1/models", nil, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return nil, err
	}
	return parseModelList(body)
}

func (a *Adapter) Probe(ctx context.Context) (providers.ProbeResult, error) {
	start := time.Now()
	_, err := providers.DoRequest(ctx, a.client, http.MethodGet, a.HealthEndpoint(), nil, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
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
	if err := unmarshal(body, &wire); err != nil {
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

func parseModelList(body []byte) ([]string, error) {
	var wire struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := unmarshal(body, &wire); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(wire.Data))
	for _, m := range wire.Data {
		if !strings.HasPrefix(m.ID, "text-") {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
