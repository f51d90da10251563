// Package budget implements pre-flight spend enforcement for a connection:
// for each non-zero budget window configured on the connection, current
// spend is compared against the limit before the upstream call is
// attempted. An active budget_override_until suppresses enforcement for
// that connection until it expires naturally.
//
// A short-TTL in-memory cache sits in front of the store so the common case
// (many requests against the same connection within a few seconds) doesn't
// hit the database on every pre-flight check; a write invalidates it.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/store"
)

const cacheTTL = 30 * time.Second

// ExceededError is returned when a connection has exhausted one of its
// configured budget windows. The caller maps it to HTTP 429 with the window,
// limit, and current spend in the error payload.
type ExceededError struct {
	Window   string
	LimitUSD float64
	SpentUSD float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget_exceeded: window=%s limit=$%.2f spent=$%.4f", e.Window, e.LimitUSD, e.SpentUSD)
}

type windowSpec struct {
	name   string
	window store.Window
	limit  func(store.Connection) float64
}

var windows = []windowSpec{
	{name: "daily", window: store.WindowDaily, limit: func(c store.Connection) float64 { return c.DailyLimitUSD }},
	{name: "weekly", window: store.WindowWeekly, limit: func(c store.Connection) float64 { return c.WeeklyLimitUSD }},
	{name: "monthly", window: store.WindowMonthly, limit: func(c store.Connection) float64 { return c.MonthlyLimitUSD }},
}

type cachedSpend struct {
	amount    float64
	expiresAt time.Time
}

// Enforcer checks per-connection budget windows before a request is routed
// and invalidates its cache once the post-flight cost is persisted.
type Enforcer struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cachedSpend // "<connectionID>:<window>" -> cached spend

	now func() time.Time
}

// New creates a budget Enforcer backed by the given store.
func New(s store.Store) *Enforcer {
	return &Enforcer{
		store: s,
		cache: make(map[string]cachedSpend),
		now:   time.Now,
	}
}

// Check runs the pre-flight enforcement steps for the given connection. It returns a *ExceededError for the first window (in
// daily, weekly, monthly order) whose limit is non-zero and already met or
// exceeded. A nil return means the request may proceed.
func (e *Enforcer) Check(ctx context.Context, c store.Connection) error {
	if c.BudgetOverrideUntil != nil && c.BudgetOverrideUntil.After(e.now()) {
		return nil
	}
	for _, w := range windows {
		limit := w.limit(c)
		if limit <= 0 {
			continue
		}
		spent, err := e.spend(ctx, c.ID, w)
		if err != nil {
			return fmt.Errorf("budget check (%s): %w", w.name, err)
		}
		if spent >= limit {
			return &ExceededError{Window: w.name, LimitUSD: limit, SpentUSD: spent}
		}
	}
	return nil
}

// Invalidate drops the cached spend for a connection after a new cost has
// been persisted, so the next pre-flight check observes it immediately
// rather than waiting out the cache TTL.
func (e *Enforcer) Invalidate(connectionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range windows {
		delete(e.cache, cacheKey(connectionID, w.name))
	}
}

// Override sets budget_override_until on the connection to now+duration.
// It is not reversed; it expires naturally once the timestamp has passed.
func (e *Enforcer) Override(ctx context.Context, c store.Connection, duration time.Duration) (store.Connection, error) {
	until := e.now().Add(duration)
	c.BudgetOverrideUntil = &until
	return e.store.UpsertConnection(ctx, c)
}

func (e *Enforcer) spend(ctx context.Context, connectionID int64, w windowSpec) (float64, error) {
	key := cacheKey(connectionID, w.name)

	e.mu.RLock()
	if cached, ok := e.cache[key]; ok && e.now().Before(cached.expiresAt) {
		e.mu.RUnlock()
		return cached.amount, nil
	}
	e.mu.RUnlock()

	spent, err := e.store.AggregateSpend(ctx, connectionID, w.window)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.cache[key] = cachedSpend{amount: spent, expiresAt: e.now().Add(cacheTTL)}
	e.mu.Unlock()

	return spent, nil
}

func cacheKey(connectionID int64, window string) string {
	return fmt.Sprintf("%d:%s", connectionID, window)
}
