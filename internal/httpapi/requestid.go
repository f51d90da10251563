package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

// requestIDHeader is echoed back to the caller and honored if already set by
// an upstream proxy, mirroring how the dashboard and provider adapters expect
// to correlate a single gateway request across logs, traces, and the
// outbound provider call.
const requestIDHeader = "X-Request-ID"

// requestID assigns each incoming request a stable ID: the caller-supplied
// X-Request-ID if present, otherwise a freshly generated UUID. The ID is
// pushed into chi's RequestID context slot (so logging.RequestLogger keeps
// working unchanged) and into internal/providers' context key, so outbound
// adapter calls in internal/providers/http.go can propagate it upstream.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		ctx = providers.WithRequestID(ctx, id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
