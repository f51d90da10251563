// Package alerts implements the 60-second alert check loop: three
// independent conditions per enabled connection — consecutive errors,
// latency spikes, and budget threshold — each raised as a deduplicated
// store.Alert and auto-cleared once the condition stops firing. Dispatch
// fans out to the webhook, desktop-log, and dashboard banner channels
// through the same non-blocking, bounded fan-out the event bus uses.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/events"
	"github.com/openclaw-community/openclaw-hub/internal/stats"
	"github.com/openclaw-community/openclaw-hub/internal/store"
)

// Config holds the ALERT_* thresholds and channel configuration.
type Config struct {
	Enabled                   bool
	CheckPeriod               time.Duration
	ConsecutiveErrorThreshold int
	LatencyMultiplier         float64
	BudgetThresholdPercent    float64
	WebhookURL                string
	DesktopNotify             bool
}

// DefaultConfig returns the default cadence and thresholds: 60s check
// period, 3 consecutive errors, 3x latency multiplier, 90% budget
// threshold.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		CheckPeriod:               60 * time.Second,
		ConsecutiveErrorThreshold: 3,
		LatencyMultiplier:         3,
		BudgetThresholdPercent:    90,
	}
}

// Manager evaluates alert conditions on a timer and dispatches newly-raised
// alerts to every enabled channel.
type Manager struct {
	cfg       Config
	store     store.Store
	collector *stats.Collector
	eventBus  *events.Bus
	logger    *slog.Logger
	webhook   *webhookChannel

	// mu guards the dedup-key upsert/resolve round-trip
	// ("guarded by the alert manager's internal mutex").
	mu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New creates an alert Manager. collector supplies the recent per-connection
// request/latency history used by the consecutive-errors and latency-spike
// conditions; bus is the dashboard banner feed.
func New(cfg Config, s store.Store, collector *stats.Collector, bus *events.Bus, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     s,
		collector: collector,
		eventBus:  bus,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.WebhookURL != "" {
		m.webhook = newWebhookChannel(cfg.WebhookURL, logger)
	}
	return m
}

// Start begins the periodic check loop. A no-op if alerts are disabled.
func (m *Manager) Start() {
	if !m.cfg.Enabled {
		return
	}
	if m.webhook != nil {
		m.webhook.start()
	}
	go m.run()
}

// Stop signals the check loop (and webhook dispatcher) to exit and waits
// for both to finish.
func (m *Manager) Stop() {
	if !m.cfg.Enabled {
		return
	}
	close(m.stop)
	<-m.done
	if m.webhook != nil {
		m.webhook.shutdown()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Check(context.Background()); err != nil {
				m.logger.Warn("alert check failed", slog.String("error", err.Error()))
			}
		case <-m.stop:
			return
		}
	}
}

// Check runs one evaluation pass over every enabled connection. It is
// exported so the composition root (and tests) can trigger an out-of-band
// pass without waiting for the ticker.
func (m *Manager) Check(ctx context.Context) error {
	conns, err := m.store.ListConnections(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	for _, c := range conns {
		if !c.Enabled {
			continue
		}
		key := connectionKey(c.ID)
		m.evaluateConsecutiveErrors(ctx, c, key)
		m.evaluateLatencySpike(ctx, c, key)
		m.evaluateBudgetThreshold(ctx, c)
	}
	return nil
}

func connectionKey(id int64) string { return strconv.FormatInt(id, 10) }

func (m *Manager) evaluateConsecutiveErrors(ctx context.Context, c store.Connection, key string) {
	threshold := m.cfg.ConsecutiveErrorThreshold
	if threshold <= 0 {
		threshold = 3
	}
	dedupKey := fmt.Sprintf("%d:%s", c.ID, store.AlertConsecutiveErrors)

	cutoff := time.Now().Add(-10 * time.Minute)
	var recent []stats.Snapshot
	for _, s := range m.collector.Snapshots(key) {
		if s.Timestamp.After(cutoff) {
			recent = append(recent, s)
		}
	}

	fires := false
	if len(recent) >= threshold {
		fires = true
		for _, s := range recent[len(recent)-threshold:] {
			if s.Success {
				fires = false
				break
			}
		}
	}

	m.reconcile(ctx, dedupKey, fires, func() store.Alert {
		return store.Alert{
			DedupKey: dedupKey,
			Kind:     store.AlertConsecutiveErrors,
			Severity: "error",
			Message:  fmt.Sprintf("connection %q: last %d requests in 10m all failed", c.Name, threshold),
		}
	})
}

func (m *Manager) evaluateLatencySpike(ctx context.Context, c store.Connection, key string) {
	multiplier := m.cfg.LatencyMultiplier
	if multiplier <= 0 {
		multiplier = 3
	}
	dedupKey := fmt.Sprintf("%d:%s", c.ID, store.AlertLatencySpike)

	var successLatencies []float64
	for _, s := range m.collector.Snapshots(key) {
		if s.Success {
			successLatencies = append(successLatencies, s.LatencyMs)
		}
	}

	const recentN, baselineN = 10, 100
	fires := false
	var recentMean, baselineMedian float64
	if n := len(successLatencies); n >= recentN+baselineN {
		recentMean = mean(successLatencies[n-recentN:])
		baselineMedian = median(successLatencies[n-recentN-baselineN : n-recentN])
		if baselineMedian > 0 && recentMean >= baselineMedian*multiplier {
			fires = true
		}
	}

	m.reconcile(ctx, dedupKey, fires, func() store.Alert {
		return store.Alert{
			DedupKey: dedupKey,
			Kind:     store.AlertLatencySpike,
			Severity: "warning",
			Message: fmt.Sprintf("connection %q: recent latency %.0fms is %.1fx the %.0fms baseline",
				c.Name, recentMean, recentMean/baselineMedian, baselineMedian),
		}
	})
}

func (m *Manager) evaluateBudgetThreshold(ctx context.Context, c store.Connection) {
	pct := m.cfg.BudgetThresholdPercent
	if pct <= 0 {
		pct = 90
	}
	dedupKey := fmt.Sprintf("%d:%s", c.ID, store.AlertBudgetThreshold)

	windows := []struct {
		name  string
		limit float64
		win   store.Window
	}{
		{"daily", c.DailyLimitUSD, store.WindowDaily},
		{"weekly", c.WeeklyLimitUSD, store.WindowWeekly},
		{"monthly", c.MonthlyLimitUSD, store.WindowMonthly},
	}

	var worstName string
	var worstPercent, worstSpent, worstLimit float64
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		spent, err := m.store.AggregateSpend(ctx, c.ID, w.win)
		if err != nil {
			m.logger.Warn("budget alert check: aggregate spend failed",
				slog.String("connection", c.Name), slog.String("window", w.name), slog.String("error", err.Error()))
			continue
		}
		percent := spent / w.limit * 100
		if percent > worstPercent {
			worstName, worstPercent, worstSpent, worstLimit = w.name, percent, spent, w.limit
		}
	}

	fires := worstName != "" && worstPercent >= pct

	m.reconcile(ctx, dedupKey, fires, func() store.Alert {
		return store.Alert{
			DedupKey: dedupKey,
			Kind:     store.AlertBudgetThreshold,
			Severity: "warning",
			Message: fmt.Sprintf("connection %q: %s spend $%.2f is %.0f%% of its $%.2f limit",
				c.Name, worstName, worstSpent, worstPercent, worstLimit),
		}
	})
}

// reconcile is the dedup-key upsert/resolve round-trip shared by every
// condition: resolve the active alert if the condition stopped firing,
// otherwise upsert it and dispatch only if it was newly created.
func (m *Manager) reconcile(ctx context.Context, dedupKey string, fires bool, build func() store.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !fires {
		if err := m.store.AlertResolve(ctx, dedupKey); err != nil {
			m.logger.Warn("alert resolve failed", slog.String("dedup_key", dedupKey), slog.String("error", err.Error()))
		}
		return
	}

	alert, created, err := m.store.AlertUpsertActive(ctx, build())
	if err != nil {
		m.logger.Error("alert upsert failed", slog.String("dedup_key", dedupKey), slog.String("error", err.Error()))
		return
	}
	if created {
		m.dispatch(alert)
	}
}

func (m *Manager) dispatch(alert store.Alert) {
	m.logger.Warn("alert raised",
		slog.String("kind", string(alert.Kind)),
		slog.String("severity", alert.Severity),
		slog.String("message", alert.Message),
	)
	if m.webhook != nil {
		m.webhook.enqueue(alert)
	}
	if m.eventBus != nil {
		m.eventBus.Publish(events.Event{
			Type:       events.EventAlertRaised,
			ProviderID: alert.DedupKey,
			Reason:     alert.Message,
		})
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
