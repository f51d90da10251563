package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/pipeline"
)

// errorPayload is the error response shape returned by every handler.
type errorPayload struct {
	Detail   string         `json:"detail"`
	Code     string         `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, status int, detail, code string, metadata map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorPayload{Detail: detail, Code: code, Metadata: metadata})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writePipelineError maps a pipeline.PipelineError (or any other error) onto
// its HTTP status code. A bare error with no Kind is treated as internal.
func writePipelineError(w http.ResponseWriter, err error) {
	var pe *pipeline.PipelineError
	if !errors.As(err, &pe) {
		writeError(w, http.StatusInternalServerError, err.Error(), string(pipeline.KindInternal), nil)
		return
	}

	status := http.StatusInternalServerError
	switch pe.Kind {
	case pipeline.KindBadRequest:
		status = http.StatusBadRequest
	case pipeline.KindProviderNotConfigured:
		status = http.StatusServiceUnavailable
	case pipeline.KindBudgetExceeded:
		status = http.StatusTooManyRequests
	case pipeline.KindAuth:
		status = http.StatusBadGateway
	case pipeline.KindUpstreamRateLimited, pipeline.KindUpstreamTransient:
		status = http.StatusBadGateway
	case pipeline.KindCancelled:
		if origin, _ := pe.Metadata["origin"].(string); origin == "deadline" {
			status = http.StatusGatewayTimeout
		} else {
			status = 499 // client closed request; not a registered net/http const
		}
	case pipeline.KindInternal:
		status = http.StatusInternalServerError
	}

	writeError(w, status, pe.Error(), string(pe.Kind), pe.Metadata)
}

// requestContext derives a per-request context bounded by the configured
// end-to-end deadline, honouring a caller-supplied deadline
// if the incoming request's context already carries one that is sooner.
func requestContext(r *http.Request, deadline time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), deadline)
}
