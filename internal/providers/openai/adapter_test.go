package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Hello!"}},
			},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 2},
		})
	}))
	defer ts.Close()

	a := New("openai-main", "test-key", ts.URL)
	result, err := a.Complete(context.Background(), "gpt-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", result.Content)
	assert.Equal(t, 5, result.PromptTokens)
	assert.Equal(t, 2, result.CompletionTokens)
}

func TestCompleteRateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer ts.Close()

	a := New("openai-main", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "gpt-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{})
	require.Error(t, err)

	classified := a.ClassifyError(err)
	assert.Equal(t, providers.ClassRateLimited, classified.Class)
	assert.Equal(t, 12, classified.RetryAfterSecs)
}

func TestCompleteServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"internal error"}}`))
	}))
	defer ts.Close()

	a := New("openai-main", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "gpt-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{})
	require.Error(t, err)
	assert.Equal(t, providers.ClassTransient, a.ClassifyError(err).Class)
}

func TestCompleteBadRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"This model's maximum context length is 4096 tokens","code":"context_length_exceeded"}}`))
	}))
	defer ts.Close()

	a := New("openai-main", "test-key", ts.URL)
	_, err := a.Complete(context.Background(), "gpt-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{})
	require.Error(t, err)
	assert.Equal(t, providers.ClassBadRequest, a.ClassifyError(err).Class)
}

func TestCompleteUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer ts.Close()

	a := New("openai-main", "bad-key", ts.URL)
	_, err := a.Complete(context.Background(), "gpt-4", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{})
	require.Error(t, err)
	assert.Equal(t, providers.ClassAuth, a.ClassifyError(err).Class)
}

func TestClassifyNonStatusError(t *testing.T) {
	a := New("openai-main", "key", "http://localhost")
	classified := a.ClassifyError(context.DeadlineExceeded)
	assert.Equal(t, providers.ClassTransient, classified.Class)
}

func TestCompletePayload(t *testing.T) {
	var receivedPayload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&receivedPayload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	a := New("openai-main", "key", ts.URL)
	_, err := a.Complete(context.Background(), "gpt-4", []providers.Message{
		{Role: "system", Content: "You are helpful"},
		{Role: "user", Content: "Hello"},
	}, providers.CompletionOptions{MaxTokens: 256, Temperature: 0.2})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4", receivedPayload["model"])
	assert.InDelta(t, 256, receivedPayload["max_tokens"], 0.001)
}

func TestListModelsFiltersLegacy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"id": "gpt-4"},
				{"id": "text-davinci-003"},
				{"id": "gpt-3.5-turbo"},
			},
		})
	}))
	defer ts.Close()

	a := New("openai-main", "key", ts.URL)
	ids, err := a.ListModels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gpt-4", "gpt-3.5-turbo"}, ids)
}
