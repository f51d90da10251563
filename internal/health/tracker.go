// Package health tracks the in-memory ProviderHealth state machine:
// HEALTHY/DEGRADED/ERROR per connection, driven by both real request
// outcomes and background probe outcomes, with state changes published on
// the event bus for the alert manager and dashboard banner feed.
package health

import (
	"sync"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/events"
)

// State is one of the three ProviderHealth states.
type State string

const (
	StateHealthy  State = "HEALTHY"
	StateDegraded State = "DEGRADED"
	StateError    State = "ERROR"
)

// Stats is the read-model snapshot exposed to the dashboard and router.
type Stats struct {
	ConnectionKey        string    `json:"connection_key"`
	State                State     `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	TotalErrors          int64     `json:"total_errors"`
	ConsecFailures       int       `json:"consec_failures"`
	ConsecProbeSuccesses int       `json:"consec_probe_successes"`
	AvgLatencyMs         float64   `json:"avg_latency_ms"`
	BaselineLatencyMs    float64   `json:"baseline_latency_ms"`
	LastError            string    `json:"last_error,omitempty"`
	LastErrorTime        time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt        time.Time `json:"last_success_at,omitempty"`
	LastProbeAt          time.Time `json:"last_probe_at,omitempty"`

	latencySpikeCount int
}

// TrackerConfig holds the consecutive-failure threshold and latency-spike
// multiplier (ALERT_CONSECUTIVE_ERROR_THRESHOLD, ALERT_LATENCY_MULTIPLIER).
type TrackerConfig struct {
	ConsecutiveErrorThreshold int
	LatencyMultiplier         float64
}

// DefaultTrackerConfig returns the defaults: N=3 for DEGRADED,
// 2N=6 for ERROR, latency multiplier 3x baseline.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{ConsecutiveErrorThreshold: 3, LatencyMultiplier: 3}
}

// Tracker is the single in-memory table of per-connection ProviderHealth
// rows, guarded by one RWMutex.
type Tracker struct {
	cfg      TrackerConfig
	eventBus *events.Bus
	now      func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

// Option configures optional Tracker behaviour.
type Option func(*Tracker)

// WithEventBus attaches an event bus so state transitions publish
// EventHealthChange events for the alert manager and dashboard banner feed.
func WithEventBus(bus *events.Bus) Option {
	return func(t *Tracker) { t.eventBus = bus }
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordRequestSuccess records a real (foreground) request success. It resets
// the consecutive-failure counter and updates the latency baseline, but it
// does NOT recover a DEGRADED/ERROR connection to HEALTHY — recovery is
// probe-gated: a degraded connection only returns to HEALTHY once the
// background prober observes consecutive successful probes.
func (t *Tracker) RecordRequestSuccess(key string, latencyMs float64) {
	t.mu.Lock()
	s := t.getOrCreate(key)
	s.TotalRequests++
	s.ConsecFailures = 0
	s.LastSuccessAt = t.now()
	s.updateLatency(latencyMs)
	highLatency := t.cfg.LatencyMultiplier > 0 && s.BaselineLatencyMs > 0 && s.AvgLatencyMs > s.BaselineLatencyMs*t.cfg.LatencyMultiplier
	oldState := s.State
	if s.State == StateHealthy && highLatency {
		s.latencySpikeCount++
		if s.latencySpikeCount >= 3 {
			s.State = StateDegraded
		}
	} else {
		s.latencySpikeCount = 0
	}
	newState := s.State
	t.mu.Unlock()
	t.publishIfChanged(key, oldState, newState, "latency above baseline")
}

// RecordRequestFailure records a real request failure: increments the
// consecutive-failure counter and transitions HEALTHY->DEGRADED at the
// configured threshold, DEGRADED->ERROR at 2x the threshold.
func (t *Tracker) RecordRequestFailure(key string, errMsg string) {
	t.mu.Lock()
	s := t.getOrCreate(key)
	oldState := s.State
	s.TotalRequests++
	s.TotalErrors++
	s.ConsecFailures++
	s.ConsecProbeSuccesses = 0
	s.LastError = errMsg
	s.LastErrorTime = t.now()
	t.applyFailureTransition(s)
	newState := s.State
	t.mu.Unlock()
	t.publishIfChanged(key, oldState, newState, errMsg)
}

// RecordProbeSuccess records a background probe success against a
// DEGRADED/ERROR connection. After 3 consecutive probe successes the
// connection recovers to HEALTHY and all counters reset.
func (t *Tracker) RecordProbeSuccess(key string, latencyMs float64) {
	t.mu.Lock()
	s := t.getOrCreate(key)
	oldState := s.State
	s.LastProbeAt = t.now()
	s.ConsecProbeSuccesses++
	s.updateLatency(latencyMs)
	if s.ConsecProbeSuccesses >= 3 {
		s.State = StateHealthy
		s.ConsecFailures = 0
		s.ConsecProbeSuccesses = 0
		s.latencySpikeCount = 0
	}
	newState := s.State
	t.mu.Unlock()
	t.publishIfChanged(key, oldState, newState, "probe recovered")
}

// RecordProbeFailure records a background probe failure against a
// DEGRADED/ERROR connection: resets the probe-success streak and counts
// toward the ERROR escalation threshold like any other failure.
func (t *Tracker) RecordProbeFailure(key string, errMsg string) {
	t.mu.Lock()
	s := t.getOrCreate(key)
	oldState := s.State
	s.LastProbeAt = t.now()
	s.ConsecFailures++
	s.ConsecProbeSuccesses = 0
	s.LastError = errMsg
	s.LastErrorTime = t.now()
	t.applyFailureTransition(s)
	newState := s.State
	t.mu.Unlock()
	t.publishIfChanged(key, oldState, newState, errMsg)
}

func (t *Tracker) applyFailureTransition(s *Stats) {
	threshold := t.cfg.ConsecutiveErrorThreshold
	if threshold <= 0 {
		threshold = 3
	}
	switch {
	case s.ConsecFailures >= threshold*2:
		s.State = StateError
	case s.ConsecFailures >= threshold:
		if s.State == StateHealthy {
			s.State = StateDegraded
		}
	}
}

func (s *Stats) updateLatency(latencyMs float64) {
	if s.TotalRequests <= 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}
	if s.BaselineLatencyMs == 0 {
		s.BaselineLatencyMs = latencyMs
	} else {
		s.BaselineLatencyMs = s.BaselineLatencyMs*0.98 + latencyMs*0.02
	}
}

func (t *Tracker) publishIfChanged(key string, oldState, newState State, reason string) {
	if oldState == newState || t.eventBus == nil {
		return
	}
	t.eventBus.Publish(events.Event{
		Type:       events.EventHealthChange,
		ProviderID: key,
		OldState:   string(oldState),
		NewState:   string(newState),
		Reason:     reason,
	})
}

// IsHealthy reports whether a connection is currently HEALTHY. Unknown keys
// are treated as healthy (no traffic has been routed to them yet).
func (t *Tracker) IsHealthy(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[key]
	return !ok || s.State == StateHealthy
}

// State returns the current state for a connection (HEALTHY if unknown).
func (t *Tracker) State(key string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[key]; ok {
		return s.State
	}
	return StateHealthy
}

// Get returns a copy of the stats for a connection, or a fresh HEALTHY row
// if the connection has not recorded any activity yet.
func (t *Tracker) Get(key string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[key]; ok {
		return *s
	}
	return Stats{ConnectionKey: key, State: StateHealthy}
}

// All returns a copy of every tracked connection's stats, for the dashboard
// read model and the probe loop's DEGRADED/ERROR scan.
func (t *Tracker) All() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	return out
}

// NonHealthyKeys returns the connection keys currently DEGRADED or ERROR —
// exactly the set the probe loop actively polls.
func (t *Tracker) NonHealthyKeys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var keys []string
	for k, s := range t.stats {
		if s.State != StateHealthy {
			keys = append(keys, k)
		}
	}
	return keys
}

func (t *Tracker) getOrCreate(key string) *Stats {
	s, ok := t.stats[key]
	if !ok {
		s = &Stats{ConnectionKey: key, State: StateHealthy}
		t.stats[key] = s
	}
	return s
}
