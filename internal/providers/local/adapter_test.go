package local

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

func TestCompleteResolvesLocalAlias(t *testing.T) {
	var receivedModel string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		receivedModel, _ = payload["model"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "qwen2.5:32b",
			"choices": []map[string]any{{"message": map[string]string{"content": "hi there"}}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 4},
		})
	}))
	defer ts.Close()

	a := New("ollama-main", ts.URL, WithDefaultModel("qwen2.5:32b"))
	result, err := a.Complete(context.Background(), "local", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:32b", receivedModel)
	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, 3, result.PromptTokens)
	assert.Equal(t, 4, result.CompletionTokens)
}

func TestCompleteRoundRobinsEndpoints(t *testing.T) {
	var hits [2]int
	ts1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits[0]++
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{{"message": map[string]string{"content": "a"}}}})
	}))
	defer ts1.Close()
	ts2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits[1]++
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{{"message": map[string]string{"content": "b"}}}})
	}))
	defer ts2.Close()

	a := New("local-cluster", ts1.URL, WithEndpoints(ts2.URL))
	for i := 0; i < 4; i++ {
		_, err := a.Complete(context.Background(), "qwen2.5:32b", []providers.Message{{Role: "user", Content: "hi"}}, providers.CompletionOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, hits[0])
	assert.Equal(t, 2, hits[1])
}

func TestClassifyErrorRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "4")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	a := New("local-main", ts.URL)
	_, err := a.Complete(context.Background(), "local", nil, providers.CompletionOptions{})
	require.Error(t, err)
	classified := a.ClassifyError(err)
	assert.Equal(t, providers.ClassRateLimited, classified.Class)
	assert.Equal(t, 4, classified.RetryAfterSecs)
}

func TestClassifyErrorServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	a := New("local-main", ts.URL)
	_, err := a.Complete(context.Background(), "local", nil, providers.CompletionOptions{})
	require.Error(t, err)
	assert.Equal(t, providers.ClassTransient, a.ClassifyError(err).Class)
}

func TestProbeUsesModelsEndpoint(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "qwen2.5:32b"}}})
	}))
	defer ts.Close()

	a := New("local-main", ts.URL)
	result, err := a.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "/v1/models", gotPath)
}

func TestListModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "qwen2.5:32b"}, {"id": "llama3:8b"}},
		})
	}))
	defer ts.Close()

	a := New("local-main", ts.URL)
	ids, err := a.ListModels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"qwen2.5:32b", "llama3:8b"}, ids)
}
