// Package httpapi implements the gateway's HTTP surface: liveness, the
// OpenAI-compatible completion endpoint, the dashboard read model and CRUD
// routes, the alert surface, and the Prometheus scrape endpoint, all
// mounted on a chi router with request-size limiting, rate limiting, and
// idempotency-key caching composed in that order ahead of bearer-token
// admin auth on mutating routes.
package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw-community/openclaw-hub/internal/alerts"
	"github.com/openclaw-community/openclaw-hub/internal/budget"
	"github.com/openclaw-community/openclaw-hub/internal/events"
	"github.com/openclaw-community/openclaw-hub/internal/health"
	"github.com/openclaw-community/openclaw-hub/internal/idempotency"
	"github.com/openclaw-community/openclaw-hub/internal/logging"
	"github.com/openclaw-community/openclaw-hub/internal/metrics"
	"github.com/openclaw-community/openclaw-hub/internal/pipeline"
	"github.com/openclaw-community/openclaw-hub/internal/providers/restapi"
	"github.com/openclaw-community/openclaw-hub/internal/ratelimit"
	"github.com/openclaw-community/openclaw-hub/internal/stats"
	"github.com/openclaw-community/openclaw-hub/internal/store"
	"github.com/openclaw-community/openclaw-hub/internal/tracing"
	"github.com/openclaw-community/openclaw-hub/internal/vault"
	"github.com/openclaw-community/openclaw-hub/internal/workflow"
)

// Dependencies bundles every collaborator a handler needs. Built once by
// the composition root (internal/app) and passed by value to NewRouter.
type Dependencies struct {
	Store     store.Store
	Vault     *vault.Vault
	Pipeline  *pipeline.Pipeline
	Budget    *budget.Enforcer
	Tracker   *health.Tracker
	Alerts    *alerts.Manager
	Collector *stats.Collector
	Metrics   *metrics.Registry
	EventBus  *events.Bus
	Prober    *health.Prober

	Logger  *slog.Logger
	Version string

	// AdminToken gates mutating dashboard/alerts routes when non-empty.
	AdminToken      string
	RequestDeadline time.Duration
	FamilyPrefixes  map[string]string
	ResolveAdapter  pipeline.AdapterResolver

	// ResolveRESTClient builds a thin REST wrapper client for any connection
	// (GitHub/social/video/custom service keys included), used by the
	// connection-test route to make a single non-LLM upstream call and
	// record it as an ApiCall row.
	ResolveRESTClient func(c store.Connection) (*restapi.Client, error)

	// WorkflowRunner executes a parsed YAML workflow spec step-by-step
	// through Pipeline.Run. Nil disables the /api/workflows/run route.
	WorkflowRunner *workflow.Runner

	RateLimiter      *ratelimit.Limiter
	IdempotencyCache *idempotency.Cache
}

// maxRequestBodySize bounds POST/PUT/PATCH bodies (10 MB), grounded on the
// teacher's bodySizeLimit middleware.
const maxRequestBodySize = 10 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter mounts every route the gateway exposes and returns the composed
// http.Handler. CORS is applied by the caller (internal/app), not here.
func NewRouter(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(logging.RequestLogger(d.Logger))
	r.Use(tracing.Middleware())
	r.Use(bodySizeLimit(maxRequestBodySize))

	r.Get("/health", HealthHandler(d))
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.IdempotencyCache != nil {
			r.Use(idempotency.Middleware(d.IdempotencyCache))
		}
		r.Get("/models", ModelsHandler(d))
		r.Post("/chat/completions", ChatCompletionsHandler(d))
	})

	r.Route("/api/dashboard", func(r chi.Router) {
		r.Get("/stats", DashboardStatsHandler(d))
		r.Get("/usage", DashboardUsageHandler(d))
		r.Get("/requests", DashboardRequestsHandler(d))

		r.Group(func(r chi.Router) {
			if d.AdminToken != "" {
				r.Use(adminAuthMiddleware(d.AdminToken, d.Logger))
			}
			r.Get("/connections", ConnectionsListHandler(d))
			r.Post("/connections", ConnectionsCreateHandler(d))
			r.Get("/connections/{id}", ConnectionsGetHandler(d))
			r.Put("/connections/{id}", ConnectionsUpdateHandler(d))
			r.Patch("/connections/{id}", ConnectionsUpdateHandler(d))
			r.Delete("/connections/{id}", ConnectionsDeleteHandler(d))
			r.Post("/connections/{id}/toggle", ConnectionsToggleHandler(d))
			r.Post("/connections/{id}/test", ConnectionsTestHandler(d))

			r.Get("/budget", BudgetGetHandler(d))
			r.Put("/budget", BudgetPutHandler(d))

			r.Get("/costs", CostsListHandler(d))
			r.Post("/costs", CostsCreateHandler(d))
			r.Put("/costs/{id}", CostsUpdateHandler(d))
		})
	})

	r.Route("/api/alerts", func(r chi.Router) {
		r.Get("/", AlertsListHandler(d))
		r.Get("/active", AlertsActiveHandler(d))
		r.Group(func(r chi.Router) {
			if d.AdminToken != "" {
				r.Use(adminAuthMiddleware(d.AdminToken, d.Logger))
			}
			r.Post("/{id}/dismiss", AlertsDismissHandler(d))
		})
	})

	if d.WorkflowRunner != nil {
		r.Route("/api/workflows", func(r chi.Router) {
			if d.AdminToken != "" {
				r.Use(adminAuthMiddleware(d.AdminToken, d.Logger))
			}
			r.Post("/run", WorkflowRunHandler(d))
		})
	}

	return r
}

// adminAuthMiddleware checks for a valid Bearer token, grounded on the
// teacher's constant-time comparison.
func adminAuthMiddleware(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.Warn("admin auth: missing token", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "missing admin token", "", nil)
				return
			}
			provided := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				logger.Warn("admin auth: invalid token", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "invalid admin token", "", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
