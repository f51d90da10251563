package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw-community/openclaw-hub/internal/health"
	"github.com/openclaw-community/openclaw-hub/internal/providers"
	"github.com/openclaw-community/openclaw-hub/internal/stats"
	"github.com/openclaw-community/openclaw-hub/internal/store"
	"github.com/openclaw-community/openclaw-hub/internal/vault"
)

// dashboardStats is the read model's 24h summary tile, grounded on the
// teacher's stats.Collector aggregation plus the health tracker's snapshot.
type dashboardStats struct {
	Global       []stats.Aggregate            `json:"global"`
	ByProvider   map[string][]stats.Aggregate `json:"by_provider"`
	Health       []health.Stats               `json:"health"`
	ActiveAlerts []store.Alert                `json:"active_alerts"`
}

// DashboardStatsHandler serves the 24h aggregate read model. It is
// re-computed per fetch; nothing here is cached.
func DashboardStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := d.Store.AlertListActive(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, dashboardStats{
			Global:       d.Collector.Global(),
			ByProvider:   d.Collector.SummaryByProvider(),
			Health:       d.Tracker.All(),
			ActiveAlerts: active,
		})
	}
}

// DashboardUsageHandler serves the per-day provider usage time series,
// accepting period=daily|weekly|monthly and an optional anchor date.
func DashboardUsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		period := r.URL.Query().Get("period")
		if period == "" {
			period = "daily"
		}
		anchor := time.Now().UTC()
		if raw := r.URL.Query().Get("anchor"); raw != "" {
			parsed, err := time.Parse("2006-01-02", raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "anchor must be YYYY-MM-DD", "bad_request", nil)
				return
			}
			anchor = parsed
		}
		points, err := d.Store.UsageTimeseries(r.Context(), period, anchor)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"period": period, "points": points})
	}
}

// DashboardRequestsHandler serves the most recent N request rows, accepting
// ?limit=N (default 50, capped at 500).
func DashboardRequestsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > 500 {
			limit = 500
		}
		requests, err := d.Store.RecentRequests(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
	}
}

// connectionPayload is the dashboard-facing connection shape: credentials
// are write-only (accepted on create/update, never echoed back) and masked
// on read via vault.Mask.
type connectionPayload struct {
	ID                  int64      `json:"id,omitempty"`
	Name                string     `json:"name"`
	ServiceKey          string     `json:"service_key"`
	Category            string     `json:"category"`
	BaseURL             string     `json:"base_url"`
	APIKey              string     `json:"api_key,omitempty"`
	APIKeyMasked        string     `json:"api_key_masked,omitempty"`
	Token               string     `json:"token,omitempty"`
	TokenMasked         string     `json:"token_masked,omitempty"`
	Enabled             bool       `json:"enabled"`
	IsDefault           bool       `json:"is_default"`
	DailyLimitUSD       float64    `json:"daily_limit_usd"`
	WeeklyLimitUSD      float64    `json:"weekly_limit_usd"`
	MonthlyLimitUSD     float64    `json:"monthly_limit_usd"`
	BudgetOverrideUntil *time.Time `json:"budget_override_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at,omitempty"`
}

func toConnectionPayload(v *vault.Vault, c store.Connection) connectionPayload {
	apiKey, _ := v.Decrypt(c.APIKeyEnc)
	token, _ := v.Decrypt(c.TokenEnc)
	return connectionPayload{
		ID:                  c.ID,
		Name:                c.Name,
		ServiceKey:          c.ServiceKey,
		Category:            c.Category,
		BaseURL:             c.BaseURL,
		APIKeyMasked:        vault.Mask(apiKey),
		TokenMasked:         vault.Mask(token),
		Enabled:             c.Enabled,
		IsDefault:           c.IsDefault,
		DailyLimitUSD:       c.DailyLimitUSD,
		WeeklyLimitUSD:      c.WeeklyLimitUSD,
		MonthlyLimitUSD:     c.MonthlyLimitUSD,
		BudgetOverrideUntil: c.BudgetOverrideUntil,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// ConnectionsListHandler lists every configured connection with masked
// credentials.
func ConnectionsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := d.Store.ListConnections(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		out := make([]connectionPayload, 0, len(conns))
		for _, c := range conns {
			out = append(out, toConnectionPayload(d.Vault, c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"connections": out})
	}
}

// ConnectionsGetHandler fetches a single connection by id.
func ConnectionsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}
		c, err := d.Store.GetConnection(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		if c == nil {
			writeError(w, http.StatusNotFound, "connection not found", "", nil)
			return
		}
		writeJSON(w, http.StatusOK, toConnectionPayload(d.Vault, *c))
	}
}

// defaultCostConfigPattern is the model-pattern placeholder auto-created
// alongside every new connection, at zero cost, per §3's CostConfig
// lifecycle. It never matches a real model_echoed value, so it costs
// nothing until the user edits it (or adds a model-specific row) from the
// dashboard.
const defaultCostConfigPattern = "*"

// ConnectionsCreateHandler creates a new connection and, per §3's documented
// CostConfig lifecycle, auto-creates a zero-cost CostConfig row for it.
func ConnectionsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload connectionPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "bad_request", nil)
			return
		}
		if payload.Name == "" || payload.ServiceKey == "" {
			writeError(w, http.StatusBadRequest, "name and service_key are required", "bad_request", nil)
			return
		}
		apiKeyEnc, err := d.Vault.Encrypt(payload.APIKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		tokenEnc, err := d.Vault.Encrypt(payload.Token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		saved, err := d.Store.UpsertConnection(r.Context(), store.Connection{
			Name:            payload.Name,
			ServiceKey:      payload.ServiceKey,
			Category:        payload.Category,
			BaseURL:         payload.BaseURL,
			APIKeyEnc:       apiKeyEnc,
			TokenEnc:        tokenEnc,
			Enabled:         true,
			IsDefault:       payload.IsDefault,
			DailyLimitUSD:   payload.DailyLimitUSD,
			WeeklyLimitUSD:  payload.WeeklyLimitUSD,
			MonthlyLimitUSD: payload.MonthlyLimitUSD,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		if _, err := d.Store.UpsertCostConfig(r.Context(), store.CostConfig{
			ConnectionID: &saved.ID,
			ModelPattern: defaultCostConfigPattern,
		}); err != nil {
			d.Logger.Warn("auto-creating zero-cost cost config failed", slog.String("connection", saved.Name), slog.String("error", err.Error()))
		}
		if adapter, err := d.ResolveAdapter(saved); err == nil {
			d.Prober.SetTarget(connKey(saved.ID), adapter)
		}
		writeJSON(w, http.StatusCreated, toConnectionPayload(d.Vault, saved))
	}
}

// ConnectionsUpdateHandler updates an existing connection. An empty
// api_key/token in the payload leaves the stored credential unchanged
// (callers must explicitly clear it by editing it to some other value;
// there is no dedicated clear-credential affordance).
func ConnectionsUpdateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}
		existing, err := d.Store.GetConnection(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		if existing == nil {
			writeError(w, http.StatusNotFound, "connection not found", "", nil)
			return
		}

		var payload connectionPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "bad_request", nil)
			return
		}

		c := *existing
		if payload.Name != "" {
			c.Name = payload.Name
		}
		if payload.ServiceKey != "" {
			c.ServiceKey = payload.ServiceKey
		}
		c.Category = payload.Category
		c.BaseURL = payload.BaseURL
		c.IsDefault = payload.IsDefault
		c.DailyLimitUSD = payload.DailyLimitUSD
		c.WeeklyLimitUSD = payload.WeeklyLimitUSD
		c.MonthlyLimitUSD = payload.MonthlyLimitUSD
		if payload.APIKey != "" {
			if c.APIKeyEnc, err = d.Vault.Encrypt(payload.APIKey); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
				return
			}
		}
		if payload.Token != "" {
			if c.TokenEnc, err = d.Vault.Encrypt(payload.Token); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
				return
			}
		}

		saved, err := d.Store.UpsertConnection(r.Context(), c)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		if adapter, err := d.ResolveAdapter(saved); err == nil {
			d.Prober.SetTarget(connKey(saved.ID), adapter)
		}
		writeJSON(w, http.StatusOK, toConnectionPayload(d.Vault, saved))
	}
}

// ConnectionsToggleHandler flips a connection's enabled flag.
func ConnectionsToggleHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}
		existing, err := d.Store.GetConnection(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		if existing == nil {
			writeError(w, http.StatusNotFound, "connection not found", "", nil)
			return
		}
		c := *existing
		c.Enabled = !c.Enabled
		saved, err := d.Store.UpsertConnection(r.Context(), c)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		if !saved.Enabled {
			d.Prober.RemoveTarget(connKey(saved.ID))
		} else if adapter, err := d.ResolveAdapter(saved); err == nil {
			d.Prober.SetTarget(connKey(saved.ID), adapter)
		}
		writeJSON(w, http.StatusOK, toConnectionPayload(d.Vault, saved))
	}
}

// ConnectionsDeleteHandler deletes a connection and cascades to its cost
// configs.
func ConnectionsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}
		if err := d.Store.DeleteConnectionCascade(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		d.Prober.RemoveTarget(connKey(id))
		w.WriteHeader(http.StatusNoContent)
	}
}

// ConnectionsTestHandler issues a single non-LLM REST call against a
// connection's base URL (a lightweight reachability check distinct from the
// health monitor's probe loop, which only ever runs against chat-completion
// adapters) and records the outcome as an ApiCall row, exercising the same
// restapi.Client/InsertAPICall path that GitHub/social/video MCP tool
// adapters would use outside this gateway's core scope.
func ConnectionsTestHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}
		conn, err := d.Store.GetConnection(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		if conn == nil {
			writeError(w, http.StatusNotFound, "connection not found", "", nil)
			return
		}
		if d.ResolveRESTClient == nil {
			writeError(w, http.StatusServiceUnavailable, "rest client resolution unavailable", "", nil)
			return
		}
		client, err := d.ResolveRESTClient(*conn)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}

		start := time.Now()
		_, callErr := client.Call(r.Context(), http.MethodGet, "/", nil)
		latencyMs := time.Since(start).Milliseconds()

		statusCode := http.StatusOK
		success := callErr == nil
		errMsg := ""
		if callErr != nil {
			errMsg = callErr.Error()
			var se *providers.StatusError
			if errors.As(callErr, &se) {
				statusCode = se.StatusCode
			} else {
				statusCode = 0
			}
		}
		if err := d.Store.InsertAPICall(r.Context(), store.ApiCall{
			ServiceKey:   conn.ServiceKey,
			ConnectionID: conn.ID,
			Operation:    "connection_test",
			EndpointPath: "/",
			Method:       http.MethodGet,
			StatusCode:   statusCode,
			LatencyMs:    latencyMs,
			Success:      success,
			Error:        errMsg,
		}); err != nil {
			d.Logger.Warn("persisting connection test api_call failed", slog.String("connection", conn.Name), slog.String("error", err.Error()))
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"connection_id": conn.ID,
			"success":       success,
			"status_code":   statusCode,
			"latency_ms":    latencyMs,
			"error":         errMsg,
		})
	}
}

// BudgetGetHandler returns the global budget limits (auto-created with
// defaults).
func BudgetGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limits, err := d.Store.GetBudgetLimits(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, limits)
	}
}

// BudgetPutHandler replaces the global budget limits.
func BudgetPutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var limits store.BudgetLimit
		if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "bad_request", nil)
			return
		}
		if err := d.Store.PutBudgetLimits(r.Context(), limits); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, limits)
	}
}

// CostsListHandler lists cost configs, optionally scoped to a connection via
// ?connection_id=.
func CostsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var connID *int64
		if raw := r.URL.Query().Get("connection_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "connection_id must be an integer", "bad_request", nil)
				return
			}
			connID = &id
		}
		configs, err := d.Store.ListCostConfigs(r.Context(), connID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"costs": configs})
	}
}

// CostsCreateHandler and CostsUpdateHandler both go through UpsertCostConfig
//; the only difference is whether an
// id is present in the path.
func CostsCreateHandler(d Dependencies) http.HandlerFunc {
	return upsertCostConfig(d, 0)
}

func CostsUpdateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}
		upsertCostConfig(d, id)(w, r)
	}
}

func upsertCostConfig(d Dependencies, id int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload store.CostConfig
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "bad_request", nil)
			return
		}
		payload.ID = id
		saved, err := d.Store.UpsertCostConfig(r.Context(), payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func connKey(id int64) string { return strconv.FormatInt(id, 10) }

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
