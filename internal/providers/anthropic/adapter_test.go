package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

func TestCompleteSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header, got %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("expected anthropic-version header")
		}
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected /v1/messages, got %s", r.URL.Path)
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "Hello from Claude!"},
			},
			"model": "claude-opus-4",
			"role":  "assistant",
			"usage": map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	result, err := a.Complete(context.Background(), "claude-opus-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{MaxTokens: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "Hello from Claude!" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if result.PromptTokens != 10 || result.CompletionTokens != 5 {
		t.Errorf("unexpected token counts: %+v", result)
	}
	if result.ModelEchoed != "claude-opus-4" {
		t.Errorf("expected model echoed, got %q", result.ModelEchoed)
	}
}

func TestCompleteSplitsSystemMessage(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "claude-opus-4", []providers.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}, providers.CompletionOptions{MaxTokens: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if payload["system"] != "be terse" {
		t.Errorf("expected system field to carry the system message, got %v", payload["system"])
	}
	turns, ok := payload["messages"].([]any)
	if !ok || len(turns) != 1 {
		t.Fatalf("expected exactly one non-system message, got %v", payload["messages"])
	}
}

func TestCompleteDefaultsMaxTokens(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer ts.Close()

	a := New("anthropic", "key", ts.URL)
	_, _ = a.Complete(context.Background(), "claude-opus-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{})

	if payload["max_tokens"] != float64(4096) {
		t.Errorf("expected default max_tokens=4096, got %v", payload["max_tokens"])
	}
}

func TestClassifyErrorRateLimit429(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "claude-opus-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{MaxTokens: 10})
	if err == nil {
		t.Fatal("expected error")
	}

	classified := a.ClassifyError(err)
	if classified.Class != providers.ClassRateLimited {
		t.Errorf("expected ClassRateLimited, got %s", classified.Class)
	}
	if classified.RetryAfterSecs != 7 {
		t.Errorf("expected RetryAfterSecs=7, got %d", classified.RetryAfterSecs)
	}
}

func TestClassifyErrorOverloaded529(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "claude-opus-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{MaxTokens: 10})
	if err == nil {
		t.Fatal("expected error")
	}

	classified := a.ClassifyError(err)
	if classified.Class != providers.ClassRateLimited {
		t.Errorf("expected ClassRateLimited for 529, got %s", classified.Class)
	}
}

func TestClassifyErrorBadRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"prompt_too_long: prompt is too long"}}`))
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "claude-opus-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{MaxTokens: 10})
	if err == nil {
		t.Fatal("expected error")
	}

	classified := a.ClassifyError(err)
	if classified.Class != providers.ClassBadRequest {
		t.Errorf("expected ClassBadRequest, got %s", classified.Class)
	}
}

func TestClassifyErrorAuth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer ts.Close()

	a := New("anthropic", "bad-key", ts.URL)
	_, err := a.Complete(context.Background(), "claude-opus-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{MaxTokens: 10})
	if err == nil {
		t.Fatal("expected error")
	}

	classified := a.ClassifyError(err)
	if classified.Class != providers.ClassAuth {
		t.Errorf("expected ClassAuth, got %s", classified.Class)
	}
}

func TestClassifyErrorServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"internal error"}}`))
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "claude-opus-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{MaxTokens: 10})
	if err == nil {
		t.Fatal("expected error")
	}

	classified := a.ClassifyError(err)
	if classified.Class != providers.ClassTransient {
		t.Errorf("expected ClassTransient, got %s", classified.Class)
	}
}

func TestProbeTreats405AsHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	result, err := a.Probe(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Error("expected probe to report OK for a 405 response")
	}
}

func TestListModelsReturnsKnownFamilies(t *testing.T) {
	a := New("anthropic", "test-key", "https://api.anthropic.com")
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("expected at least one known model")
	}
}
