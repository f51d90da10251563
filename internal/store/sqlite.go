package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL mode for snapshot-isolated reads; foreign keys on unconditionally
	// so cost-config cascade-on-delete is reliable regardless of connection
	// string.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			service_key TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			api_key_enc TEXT NOT NULL DEFAULT '',
			token_enc TEXT NOT NULL DEFAULT '',
			credential_file_path TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			is_default BOOLEAN NOT NULL DEFAULT 0,
			daily_limit_usd REAL NOT NULL DEFAULT 0,
			weekly_limit_usd REAL NOT NULL DEFAULT 0,
			monthly_limit_usd REAL NOT NULL DEFAULT 0,
			budget_override_until TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_service_key ON connections(service_key)`,
		`CREATE TABLE IF NOT EXISTS cost_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER REFERENCES connections(id) ON DELETE CASCADE,
			model_pattern TEXT NOT NULL,
			input_per_million REAL NOT NULL DEFAULT 0,
			output_per_million REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			UNIQUE(connection_id, model_pattern)
		)`,
		`CREATE TABLE IF NOT EXISTS budget_limits (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			daily_limit_usd REAL NOT NULL DEFAULT 5,
			weekly_limit_usd REAL NOT NULL DEFAULT 25,
			monthly_limit_usd REAL NOT NULL DEFAULT 80
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			connection_id INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT 1,
			error TEXT NOT NULL DEFAULT '',
			workflow_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_connection ON requests(connection_id)`,
		`CREATE TABLE IF NOT EXISTS api_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			service_key TEXT NOT NULL,
			connection_id INTEGER NOT NULL DEFAULT 0,
			operation TEXT NOT NULL,
			endpoint_path TEXT NOT NULL,
			method TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			success BOOLEAN NOT NULL DEFAULT 1,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_calls_created_at ON api_calls(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_api_calls_connection ON api_calls(connection_id)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			dismissed_at TEXT,
			dedup_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(resolved_at, dismissed_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Requests and API calls

func (s *SQLiteStore) InsertRequest(ctx context.Context, r Request) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (created_at, model, provider, connection_id, prompt_tokens, completion_tokens, cost_usd, latency_ms, success, error, workflow_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CreatedAt.Format(time.RFC3339), r.Model, r.Provider, r.ConnectionID,
		r.PromptTokens, r.CompletionTokens, r.CostUSD, r.LatencyMs, r.Success, r.Error, r.WorkflowName)
	return err
}

func (s *SQLiteStore) InsertAPICall(ctx context.Context, a ApiCall) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_calls (created_at, service_key, connection_id, operation, endpoint_path, method, status_code, latency_ms, cost_usd, metadata, success, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CreatedAt.Format(time.RFC3339), a.ServiceKey, a.ConnectionID, a.Operation, a.EndpointPath,
		a.Method, a.StatusCode, a.LatencyMs, a.CostUSD, a.Metadata, a.Success, a.Error)
	return err
}

func (s *SQLiteStore) RecentRequests(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, model, provider, connection_id, prompt_tokens, completion_tokens, cost_usd, latency_ms, success, error, workflow_name
		 FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Request
	for rows.Next() {
		var r Request
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.Model, &r.Provider, &r.ConnectionID,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &r.LatencyMs, &r.Success, &r.Error, &r.WorkflowName); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AggregateSpend sums cost across requests and api_calls for a connection
// over the trailing window.
func (s *SQLiteStore) AggregateSpend(ctx context.Context, connectionID int64, window Window) (float64, error) {
	since := time.Now().UTC().Add(-time.Duration(window)).Format(time.RFC3339)
	var reqSum, callSum sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM requests WHERE connection_id = ? AND created_at > ?`, connectionID, since).Scan(&reqSum); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM api_calls WHERE connection_id = ? AND created_at > ?`, connectionID, since).Scan(&callSum); err != nil {
		return 0, err
	}
	return reqSum.Float64 + callSum.Float64, nil
}

// UsageTimeseries returns per-day token/cost totals per provider.
// granularity "daily" covers the trailing 30 days; "weekly" the 7 days
// ending at anchor; "monthly" the 30 days ending at anchor.
func (s *SQLiteStore) UsageTimeseries(ctx context.Context, granularity string, anchor time.Time) ([]UsagePoint, error) {
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}
	var days int
	switch granularity {
	case "weekly":
		days = 7
	case "monthly":
		days = 30
	default:
		days = 30
	}
	since := anchor.UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	until := anchor.UTC().Format(time.RFC3339)

	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(created_at, 1, 10) AS day, provider,
		        SUM(prompt_tokens), SUM(completion_tokens), SUM(cost_usd)
		 FROM requests
		 WHERE created_at > ? AND created_at <= ?
		 GROUP BY day, provider
		 ORDER BY day ASC`, since, until)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var points []UsagePoint
	for rows.Next() {
		var p UsagePoint
		if err := rows.Scan(&p.Date, &p.Provider, &p.PromptTokens, &p.CompletionTokens, &p.CostUSD); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Connections

func (s *SQLiteStore) UpsertConnection(ctx context.Context, c Connection) (Connection, error) {
	now := time.Now().UTC()
	c.UpdatedAt = now
	var override *string
	if c.BudgetOverrideUntil != nil {
		t := c.BudgetOverrideUntil.UTC().Format(time.RFC3339)
		override = &t
	}

	if c.ID == 0 {
		c.CreatedAt = now
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO connections (name, service_key, category, base_url, api_key_enc, token_enc, credential_file_path,
			  enabled, is_default, daily_limit_usd, weekly_limit_usd, monthly_limit_usd, budget_override_until, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Name, c.ServiceKey, c.Category, c.BaseURL, c.APIKeyEnc, c.TokenEnc, c.CredentialFilePath,
			c.Enabled, c.IsDefault, c.DailyLimitUSD, c.WeeklyLimitUSD, c.MonthlyLimitUSD, override,
			c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return Connection{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Connection{}, err
		}
		c.ID = id
		return c, nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET name=?, service_key=?, category=?, base_url=?, api_key_enc=?, token_enc=?,
		  credential_file_path=?, enabled=?, is_default=?, daily_limit_usd=?, weekly_limit_usd=?, monthly_limit_usd=?,
		  budget_override_until=?, updated_at=? WHERE id=?`,
		c.Name, c.ServiceKey, c.Category, c.BaseURL, c.APIKeyEnc, c.TokenEnc, c.CredentialFilePath,
		c.Enabled, c.IsDefault, c.DailyLimitUSD, c.WeeklyLimitUSD, c.MonthlyLimitUSD, override,
		c.UpdatedAt.Format(time.RFC3339), c.ID)
	if err != nil {
		return Connection{}, err
	}
	return c, nil
}

func (s *SQLiteStore) GetConnection(ctx context.Context, id int64) (*Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx, connectionSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, connectionSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Connection
	for rows.Next() {
		c, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteConnectionCascade(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	return err
}

const connectionSelect = `SELECT id, name, service_key, category, base_url, api_key_enc, token_enc, credential_file_path,
	  enabled, is_default, daily_limit_usd, weekly_limit_usd, monthly_limit_usd, budget_override_until, created_at, updated_at
	 FROM connections`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row *sql.Row) (*Connection, error) { return scanConnectionRow(row) }

func scanConnectionRow(row rowScanner) (*Connection, error) {
	var c Connection
	var createdAt, updatedAt string
	var override sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.ServiceKey, &c.Category, &c.BaseURL, &c.APIKeyEnc, &c.TokenEnc,
		&c.CredentialFilePath, &c.Enabled, &c.IsDefault, &c.DailyLimitUSD, &c.WeeklyLimitUSD, &c.MonthlyLimitUSD,
		&override, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if override.Valid {
		t, err := time.Parse(time.RFC3339, override.String)
		if err == nil {
			c.BudgetOverrideUntil = &t
		}
	}
	return &c, nil
}

// Cost configs

func (s *SQLiteStore) ListCostConfigs(ctx context.Context, connectionID *int64) ([]CostConfig, error) {
	query := `SELECT id, connection_id, model_pattern, input_per_million, output_per_million, updated_at FROM cost_configs`
	var rows *sql.Rows
	var err error
	if connectionID != nil {
		rows, err = s.db.QueryContext(ctx, query+` WHERE connection_id = ?`, *connectionID)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CostConfig
	for rows.Next() {
		var c CostConfig
		var connID sql.NullInt64
		var updatedAt string
		if err := rows.Scan(&c.ID, &connID, &c.ModelPattern, &c.InputPerMillion, &c.OutputPerMillion, &updatedAt); err != nil {
			return nil, err
		}
		if connID.Valid {
			c.ConnectionID = &connID.Int64
		}
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertCostConfig(ctx context.Context, c CostConfig) (CostConfig, error) {
	c.UpdatedAt = time.Now().UTC()
	if c.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO cost_configs (connection_id, model_pattern, input_per_million, output_per_million, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(connection_id, model_pattern) DO UPDATE SET
			   input_per_million=excluded.input_per_million,
			   output_per_million=excluded.output_per_million,
			   updated_at=excluded.updated_at`,
			c.ConnectionID, c.ModelPattern, c.InputPerMillion, c.OutputPerMillion, c.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return CostConfig{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return CostConfig{}, err
		}
		if id != 0 {
			c.ID = id
		}
		return c, nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE cost_configs SET model_pattern=?, input_per_million=?, output_per_million=?, updated_at=? WHERE id=?`,
		c.ModelPattern, c.InputPerMillion, c.OutputPerMillion, c.UpdatedAt.Format(time.RFC3339), c.ID)
	return c, err
}

func (s *SQLiteStore) DeleteCostConfig(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cost_configs WHERE id = ?`, id)
	return err
}

// Global budget

func (s *SQLiteStore) GetBudgetLimits(ctx context.Context) (BudgetLimit, error) {
	var b BudgetLimit
	err := s.db.QueryRowContext(ctx,
		`SELECT daily_limit_usd, weekly_limit_usd, monthly_limit_usd FROM budget_limits WHERE id = 1`).
		Scan(&b.DailyLimitUSD, &b.WeeklyLimitUSD, &b.MonthlyLimitUSD)
	if err == sql.ErrNoRows {
		if err := s.PutBudgetLimits(ctx, DefaultBudgetLimit); err != nil {
			return BudgetLimit{}, err
		}
		return DefaultBudgetLimit, nil
	}
	if err != nil {
		return BudgetLimit{}, err
	}
	return b, nil
}

func (s *SQLiteStore) PutBudgetLimits(ctx context.Context, b BudgetLimit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_limits (id, daily_limit_usd, weekly_limit_usd, monthly_limit_usd)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   daily_limit_usd=excluded.daily_limit_usd,
		   weekly_limit_usd=excluded.weekly_limit_usd,
		   monthly_limit_usd=excluded.monthly_limit_usd`,
		b.DailyLimitUSD, b.WeeklyLimitUSD, b.MonthlyLimitUSD)
	return err
}

// Alerts

// AlertUpsertActive creates a new active alert for dedupKey unless one
// already exists (resolved_at and dismissed_at both null), in which case
// the existing row is returned unchanged. The returned bool is true when a
// new row was created.
func (s *SQLiteStore) AlertUpsertActive(ctx context.Context, a Alert) (Alert, bool, error) {
	existing, err := s.activeAlertByDedupKey(ctx, a.DedupKey)
	if err != nil {
		return Alert{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (created_at, dedup_key, kind, severity, message, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.CreatedAt.Format(time.RFC3339), a.DedupKey, string(a.Kind), a.Severity, a.Message, a.Metadata)
	if err != nil {
		return Alert{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Alert{}, false, err
	}
	a.ID = id
	return a, true, nil
}

func (s *SQLiteStore) activeAlertByDedupKey(ctx context.Context, dedupKey string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, resolved_at, dismissed_at, dedup_key, kind, severity, message, metadata
		 FROM alerts WHERE dedup_key = ? AND resolved_at IS NULL AND dismissed_at IS NULL
		 ORDER BY id DESC LIMIT 1`, dedupKey)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStore) AlertResolve(ctx context.Context, dedupKey string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved_at = ? WHERE dedup_key = ? AND resolved_at IS NULL AND dismissed_at IS NULL`,
		now, dedupKey)
	return err
}

func (s *SQLiteStore) AlertDismiss(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET dismissed_at = ? WHERE id = ?`, now, id)
	return err
}

func (s *SQLiteStore) AlertListActive(ctx context.Context) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, resolved_at, dismissed_at, dedup_key, kind, severity, message, metadata
		 FROM alerts WHERE resolved_at IS NULL AND dismissed_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Alert
	for rows.Next() {
		a, err := scanAlertRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAlert(row *sql.Row) (*Alert, error) { return scanAlertRow(row) }

func scanAlertRow(row rowScanner) (*Alert, error) {
	var a Alert
	var createdAt string
	var resolvedAt, dismissedAt sql.NullString
	var kind string
	if err := row.Scan(&a.ID, &createdAt, &resolvedAt, &dismissedAt, &a.DedupKey, &kind, &a.Severity, &a.Message, &a.Metadata); err != nil {
		return nil, err
	}
	a.Kind = AlertKind(kind)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339, resolvedAt.String)
		if err == nil {
			a.ResolvedAt = &t
		}
	}
	if dismissedAt.Valid {
		t, err := time.Parse(time.RFC3339, dismissedAt.String)
		if err == nil {
			a.DismissedAt = &t
		}
	}
	return &a, nil
}
