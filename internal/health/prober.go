package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

// Target is one connection's adapter, keyed the same way as the tracker.
type Target struct {
	Key     string
	Adapter providers.Adapter
}

// ProberConfig configures the background probe loop
// (HEALTH_PROBE_PERIOD_SEC, HEALTH_PROBE_TIMEOUT_SEC).
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns the default cadence: 30s period, 5s per-probe
// timeout.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{Interval: 30 * time.Second, ProbeTimeout: 5 * time.Second}
}

// Prober periodically probes connections the Tracker currently reports as
// DEGRADED or ERROR. Healthy providers are only ever probed passively, via
// real requests flowing through the pipeline; this loop exists solely to
// detect recovery of a provider already known to be unwell.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}

	mu      sync.RWMutex
	targets map[string]providers.Adapter
}

// NewProber creates a prober bound to tracker, probing any target named in
// targets whenever the tracker reports it DEGRADED or ERROR.
func NewProber(cfg ProberConfig, tracker *Tracker, targets []Target, logger *slog.Logger) *Prober {
	m := make(map[string]providers.Adapter, len(targets))
	for _, t := range targets {
		m[t.Key] = t.Adapter
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: m,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetTarget registers or replaces the adapter probed for key. Safe to call
// while the prober is running (connections are added/edited at runtime).
func (p *Prober) SetTarget(key string, adapter providers.Adapter) {
	p.mu.Lock()
	p.targets[key] = adapter
	p.mu.Unlock()
}

// RemoveTarget stops probing key (e.g. the connection was deleted/disabled).
func (p *Prober) RemoveTarget(key string) {
	p.mu.Lock()
	delete(p.targets, key)
	p.mu.Unlock()
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for the loop to exit.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeDegraded()
		case <-p.stop:
			return
		}
	}
}

// probeDegraded probes exactly the connections the tracker currently
// reports as non-healthy.
func (p *Prober) probeDegraded() {
	keys := p.tracker.NonHealthyKeys()
	if len(keys) == 0 {
		return
	}

	p.mu.RLock()
	targets := make(map[string]providers.Adapter, len(keys))
	for _, k := range keys {
		if a, ok := p.targets[k]; ok {
			targets[k] = a
		}
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for key, adapter := range targets {
		wg.Add(1)
		go func(key string, adapter providers.Adapter) {
			defer wg.Done()
			p.probeOne(key, adapter)
		}(key, adapter)
	}
	wg.Wait()
}

func (p *Prober) probeOne(key string, adapter providers.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	result, err := adapter.Probe(ctx)
	if err != nil || !result.OK {
		msg := "probe failed"
		if err != nil {
			msg = "probe: " + err.Error()
		}
		p.tracker.RecordProbeFailure(key, msg)
		p.logger.Warn("health probe failed", slog.String("connection", key), slog.String("error", msg))
		return
	}

	p.tracker.RecordProbeSuccess(key, result.LatencyMs)
	p.logger.Debug("health probe ok", slog.String("connection", key), slog.Float64("latency_ms", result.LatencyMs))
}
