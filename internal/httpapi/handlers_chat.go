package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/openclaw-community/openclaw-hub/internal/pipeline"
	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

// ModelsHandler lists configured connections' models grouped by provider
// family. Listing queries each enabled connection's adapter
// directly; it does not go through the pipeline since there is nothing to
// route, budget-check, or persist.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := d.Store.ListConnections(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}

		type modelsByFamily map[string][]string
		out := make(modelsByFamily)
		for _, c := range conns {
			if !c.Enabled {
				continue
			}
			adapter, err := d.ResolveAdapter(c)
			if err != nil {
				continue // restapi/custom connections have no chat models to list
			}
			models, err := adapter.ListModels(r.Context())
			if err != nil {
				d.Logger.Warn("list models failed", slog.String("connection", c.Name), slog.String("error", err.Error()))
				continue
			}
			out[c.ServiceKey] = append(out[c.ServiceKey], models...)
		}
		for family := range out {
			sort.Strings(out[family])
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": out})
	}
}

type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
	Stream      bool                `json:"stream"`
}

type chatCompletionResponse struct {
	Content          string  `json:"content"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMs        int64   `json:"latency_ms"`
}

// ChatCompletionsHandler is the OpenAI-compatible completion endpoint.
// Streaming responses are out of scope; stream=true is rejected as a bad
// request rather than silently ignored.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "bad_request", nil)
			return
		}
		if req.Model == "" {
			writeError(w, http.StatusBadRequest, "model is required", "bad_request", nil)
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages is required", "bad_request", nil)
			return
		}
		if req.MaxTokens == 0 {
			writeError(w, http.StatusBadRequest, "max_tokens is required", "bad_request", nil)
			return
		}
		if req.Stream {
			writeError(w, http.StatusBadRequest, "streaming responses are not supported", "bad_request", nil)
			return
		}

		ctx, cancel := requestContext(r, d.RequestDeadline)
		defer cancel()

		resp, err := d.Pipeline.Run(ctx, pipeline.Request{
			Model:    req.Model,
			Messages: req.Messages,
			Options:  providers.CompletionOptions{MaxTokens: req.MaxTokens, Temperature: req.Temperature},
		})
		if err != nil {
			writePipelineError(w, err)
			return
		}

		if resp.Fallback {
			w.Header().Set("X-Hub-Fallback", "true")
			w.Header().Set("X-Hub-Original-Provider", resp.OriginalProvider)
			w.Header().Set("X-Hub-Actual-Provider", resp.ActualProvider)
		}

		writeJSON(w, http.StatusOK, chatCompletionResponse{
			Content:          resp.Content,
			Model:            modelOrEchoed(req.Model, resp.ModelEchoed),
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
			CostUSD:          resp.CostUSD,
			LatencyMs:        resp.LatencyMs,
		})
	}
}

func modelOrEchoed(requested, echoed string) string {
	if echoed != "" {
		return echoed
	}
	return requested
}
