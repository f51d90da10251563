package health

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

type fakeProbeAdapter struct {
	id      string
	calls   atomic.Int64
	ok      bool
	probeErr error
}

func (f *fakeProbeAdapter) ID() string { return f.id }
func (f *fakeProbeAdapter) Complete(context.Context, string, []providers.Message, providers.CompletionOptions) (providers.CompletionResult, error) {
	return providers.CompletionResult{}, nil
}
func (f *fakeProbeAdapter) ListModels(context.Context) ([]string, error) { return nil, nil }
func (f *fakeProbeAdapter) ClassifyError(error) *providers.ClassifiedError { return nil }
func (f *fakeProbeAdapter) Probe(context.Context) (providers.ProbeResult, error) {
	f.calls.Add(1)
	if f.probeErr != nil {
		return providers.ProbeResult{}, f.probeErr
	}
	return providers.ProbeResult{OK: f.ok, LatencyMs: 42}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProber_OnlyProbesNonHealthyConnections(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 1})
	healthy := &fakeProbeAdapter{id: "healthy-one", ok: true}
	degraded := &fakeProbeAdapter{id: "bad-one", ok: true}

	tracker.RecordRequestSuccess("healthy-one", 10)
	tracker.RecordRequestFailure("bad-one", "boom")

	prober := NewProber(ProberConfig{Interval: 20 * time.Millisecond, ProbeTimeout: time.Second}, tracker,
		[]Target{{Key: "healthy-one", Adapter: healthy}, {Key: "bad-one", Adapter: degraded}}, quietLogger())

	prober.probeDegraded()

	assert.Zero(t, healthy.calls.Load(), "healthy connections are probed passively, not actively")
	assert.Equal(t, int64(1), degraded.calls.Load())
}

func TestProber_SuccessfulProbeRecordsSuccess(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 1})
	tracker.RecordRequestFailure("bad-one", "boom")

	adapter := &fakeProbeAdapter{id: "bad-one", ok: true}
	prober := NewProber(ProberConfig{Interval: time.Second, ProbeTimeout: time.Second}, tracker,
		[]Target{{Key: "bad-one", Adapter: adapter}}, quietLogger())

	prober.probeDegraded()

	s := tracker.Get("bad-one")
	assert.Equal(t, 1, s.ConsecProbeSuccesses)
}

func TestProber_FailedProbeRecordsFailure(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 1})
	tracker.RecordRequestFailure("bad-one", "boom")

	adapter := &fakeProbeAdapter{id: "bad-one", probeErr: errors.New("connection refused")}
	prober := NewProber(ProberConfig{Interval: time.Second, ProbeTimeout: time.Second}, tracker,
		[]Target{{Key: "bad-one", Adapter: adapter}}, quietLogger())

	prober.probeDegraded()

	s := tracker.Get("bad-one")
	assert.Equal(t, 2, s.ConsecFailures)
	assert.Zero(t, s.ConsecProbeSuccesses)
}

func TestProber_ThreeConsecutiveSuccessesRecoverToHealthy(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 1})
	tracker.RecordRequestFailure("bad-one", "boom")

	adapter := &fakeProbeAdapter{id: "bad-one", ok: true}
	prober := NewProber(ProberConfig{Interval: time.Second, ProbeTimeout: time.Second}, tracker,
		[]Target{{Key: "bad-one", Adapter: adapter}}, quietLogger())

	prober.probeDegraded()
	prober.probeDegraded()
	assert.Equal(t, StateDegraded, tracker.State("bad-one")) // still non-healthy, kept in scan set
	prober.probeDegraded()

	assert.Equal(t, StateHealthy, tracker.State("bad-one"))
	assert.Empty(t, tracker.NonHealthyKeys())
}

func TestProber_StopStopsTheLoop(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 1})
	tracker.RecordRequestFailure("bad-one", "boom")

	adapter := &fakeProbeAdapter{id: "bad-one", ok: true}
	prober := NewProber(ProberConfig{Interval: 5 * time.Millisecond, ProbeTimeout: time.Second}, tracker,
		[]Target{{Key: "bad-one", Adapter: adapter}}, quietLogger())

	prober.Start()
	time.Sleep(30 * time.Millisecond)
	prober.Stop()
	countAtStop := adapter.calls.Load()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, countAtStop, adapter.calls.Load(), "no probes should fire after Stop")
}

func TestProber_SetAndRemoveTarget(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 1})
	tracker.RecordRequestFailure("bad-one", "boom")

	prober := NewProber(ProberConfig{Interval: time.Second, ProbeTimeout: time.Second}, tracker, nil, quietLogger())
	adapter := &fakeProbeAdapter{id: "bad-one", ok: true}
	prober.SetTarget("bad-one", adapter)

	prober.probeDegraded()
	assert.Equal(t, int64(1), adapter.calls.Load())

	prober.RemoveTarget("bad-one")
	prober.probeDegraded()
	assert.Equal(t, int64(1), adapter.calls.Load(), "removed target should not be probed again")
}
