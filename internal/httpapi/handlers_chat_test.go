package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openclaw-community/openclaw-hub/internal/store"
)

func newTestDeps(t *testing.T) Dependencies {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return Dependencies{Store: s, Version: "test"}
}

func postChatCompletion(t *testing.T, d Dependencies, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	ChatCompletionsHandler(d)(rec, req)
	return rec
}

func TestChatCompletionsRequiresModel(t *testing.T) {
	d := newTestDeps(t)
	rec := postChatCompletion(t, d, `{"messages":[{"role":"user","content":"hi"}],"max_tokens":16}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload errorPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.Detail != "model is required" {
		t.Errorf("unexpected detail: %q", payload.Detail)
	}
}

func TestChatCompletionsRequiresMessages(t *testing.T) {
	d := newTestDeps(t)
	rec := postChatCompletion(t, d, `{"model":"gpt-4o","max_tokens":16}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload errorPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.Detail != "messages is required" {
		t.Errorf("unexpected detail: %q", payload.Detail)
	}
}

func TestChatCompletionsRequiresMaxTokens(t *testing.T) {
	d := newTestDeps(t)
	rec := postChatCompletion(t, d, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload errorPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.Detail != "max_tokens is required" {
		t.Errorf("unexpected detail: %q", payload.Detail)
	}
}

func TestChatCompletionsRejectsStreaming(t *testing.T) {
	d := newTestDeps(t)
	rec := postChatCompletion(t, d, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":16,"stream":true}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload errorPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.Detail != "streaming responses are not supported" {
		t.Errorf("unexpected detail: %q", payload.Detail)
	}
}

func TestChatCompletionsRejectsMalformedJSON(t *testing.T) {
	d := newTestDeps(t)
	rec := postChatCompletion(t, d, `{not json`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestModelsHandlerSkipsDisabledConnections(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	if _, err := d.Store.UpsertConnection(ctx, store.Connection{Name: "off", ServiceKey: "openai", Enabled: false}); err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	ModelsHandler(d)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Models map[string][]string `json:"models"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(payload.Models) != 0 {
		t.Errorf("expected no models for a disabled-only connection set, got %v", payload.Models)
	}
}

func TestHealthHandlerReportsVersion(t *testing.T) {
	d := Dependencies{Version: "1.2.3"}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler(d)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.Status != "healthy" {
		t.Errorf("expected healthy status, got %q", payload.Status)
	}
	if payload.Version != "1.2.3" {
		t.Errorf("expected version to be echoed, got %q", payload.Version)
	}
}
