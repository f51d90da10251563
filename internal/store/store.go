// Package store defines the persistence interface for openclaw-hub and the
// record types it moves in and out of the database.
package store

import (
	"context"
	"time"
)

// Connection is a configured upstream provider endpoint: a named service
// key (openai, anthropic, local, or a custom REST service) plus its
// encrypted credentials and per-connection budget limits.
type Connection struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	ServiceKey          string     `json:"service_key"`
	Category            string     `json:"category"`
	BaseURL             string     `json:"base_url"`
	APIKeyEnc           string     `json:"-"`
	TokenEnc            string     `json:"-"`
	CredentialFilePath  string     `json:"credential_file_path,omitempty"`
	Enabled             bool       `json:"enabled"`
	IsDefault           bool       `json:"is_default"`
	DailyLimitUSD       float64    `json:"daily_limit_usd"`
	WeeklyLimitUSD      float64    `json:"weekly_limit_usd"`
	MonthlyLimitUSD     float64    `json:"monthly_limit_usd"`
	BudgetOverrideUntil *time.Time `json:"budget_override_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CostConfig holds the per-million-token USD rates for a (connection,
// model pattern) pair. ConnectionID nil marks a legacy/global row.
type CostConfig struct {
	ID               int64     `json:"id"`
	ConnectionID     *int64    `json:"connection_id,omitempty"`
	ModelPattern     string    `json:"model_pattern"`
	InputPerMillion  float64   `json:"input_per_million"`
	OutputPerMillion float64   `json:"output_per_million"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// BudgetLimit is the singleton global budget row.
type BudgetLimit struct {
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	WeeklyLimitUSD  float64 `json:"weekly_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
}

// DefaultBudgetLimit is applied the first time GetBudgetLimits is called
// against a fresh database.
var DefaultBudgetLimit = BudgetLimit{DailyLimitUSD: 5, WeeklyLimitUSD: 25, MonthlyLimitUSD: 80}

// Request records one completed (successful or finally-failed) LLM call.
// Rows are append-only: the pipeline never updates or deletes them.
type Request struct {
	ID               int64     `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	ConnectionID     int64     `json:"connection_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	WorkflowName     string    `json:"workflow_name,omitempty"`
}

// ApiCall records one completed non-LLM upstream call (REST shims for
// media/social/video services). Rows are append-only.
type ApiCall struct {
	ID           int64     `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ServiceKey   string    `json:"service_key"`
	ConnectionID int64     `json:"connection_id"`
	Operation    string    `json:"operation"`
	EndpointPath string    `json:"endpoint_path"`
	Method       string    `json:"method"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	CostUSD      float64   `json:"cost_usd"`
	Metadata     string    `json:"metadata,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

// AlertKind is the closed set of conditions the alert manager detects.
type AlertKind string

const (
	AlertConsecutiveErrors AlertKind = "consecutive_errors"
	AlertLatencySpike      AlertKind = "latency_spike"
	AlertBudgetThreshold   AlertKind = "budget_threshold"
)

// Alert is a detected condition requiring operator attention. DedupKey
// uniquely identifies an *active* alert (ResolvedAt and DismissedAt both
// nil); the manager must never create a second active alert sharing it.
type Alert struct {
	ID         int64      `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	DedupKey   string     `json:"dedup_key"`
	Kind       AlertKind  `json:"kind"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Metadata   string     `json:"metadata,omitempty"`
}

// UsagePoint is one row of a usage time series: total tokens and cost for
// a single provider on a single UTC day.
type UsagePoint struct {
	Date             string  `json:"date"`
	Provider         string  `json:"provider"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Window is a budget/aggregation lookback period.
type Window time.Duration

const (
	WindowDaily   Window = Window(24 * time.Hour)
	WindowWeekly  Window = Window(7 * 24 * time.Hour)
	WindowMonthly Window = Window(30 * 24 * time.Hour)
)

// Store defines the persistence interface for openclaw-hub.
type Store interface {
	// Requests and API calls (append-only).
	InsertRequest(ctx context.Context, r Request) error
	InsertAPICall(ctx context.Context, a ApiCall) error
	RecentRequests(ctx context.Context, limit int) ([]Request, error)
	AggregateSpend(ctx context.Context, connectionID int64, window Window) (float64, error)
	UsageTimeseries(ctx context.Context, granularity string, anchor time.Time) ([]UsagePoint, error)

	// Connections.
	UpsertConnection(ctx context.Context, c Connection) (Connection, error)
	GetConnection(ctx context.Context, id int64) (*Connection, error)
	ListConnections(ctx context.Context) ([]Connection, error)
	DeleteConnectionCascade(ctx context.Context, id int64) error

	// Cost configs.
	ListCostConfigs(ctx context.Context, connectionID *int64) ([]CostConfig, error)
	UpsertCostConfig(ctx context.Context, c CostConfig) (CostConfig, error)
	DeleteCostConfig(ctx context.Context, id int64) error

	// Global budget.
	GetBudgetLimits(ctx context.Context) (BudgetLimit, error)
	PutBudgetLimits(ctx context.Context, b BudgetLimit) error

	// Alerts.
	AlertUpsertActive(ctx context.Context, a Alert) (Alert, bool, error)
	AlertResolve(ctx context.Context, dedupKey string) error
	AlertDismiss(ctx context.Context, id int64) error
	AlertListActive(ctx context.Context) ([]Alert, error)

	// Schema lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
