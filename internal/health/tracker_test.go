package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw-community/openclaw-hub/internal/events"
)

func TestRecordRequestSuccess_StaysHealthy(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	tr.RecordRequestSuccess("openai", 150)
	tr.RecordRequestSuccess("openai", 200)

	s := tr.Get("openai")
	assert.EqualValues(t, 2, s.TotalRequests)
	assert.Equal(t, StateHealthy, s.State)
	assert.Zero(t, s.ConsecFailures)
}

func TestDegradedAfterThresholdFailures(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 3})
	tr.RecordRequestFailure("openai", "timeout")
	tr.RecordRequestFailure("openai", "timeout")
	require.Equal(t, StateHealthy, tr.State("openai"), "below threshold stays healthy")
	tr.RecordRequestFailure("openai", "timeout")
	assert.Equal(t, StateDegraded, tr.State("openai"))
}

func TestErrorAfterDoubleThresholdFailures(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 3})
	for i := 0; i < 6; i++ {
		tr.RecordRequestFailure("openai", "server error")
	}
	assert.Equal(t, StateError, tr.State("openai"))
}

func TestRequestSuccessDoesNotRecoverDegraded(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 2})
	tr.RecordRequestFailure("openai", "e1")
	tr.RecordRequestFailure("openai", "e2")
	require.Equal(t, StateDegraded, tr.State("openai"))

	tr.RecordRequestSuccess("openai", 100)
	assert.Equal(t, StateDegraded, tr.State("openai"), "recovery is probe-gated, not request-gated")
}

func TestProbeSuccessRecoversAfterThreeConsecutive(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 2})
	tr.RecordRequestFailure("openai", "e1")
	tr.RecordRequestFailure("openai", "e2")
	require.Equal(t, StateDegraded, tr.State("openai"))

	tr.RecordProbeSuccess("openai", 50)
	tr.RecordProbeSuccess("openai", 50)
	require.Equal(t, StateDegraded, tr.State("openai"), "needs 3 consecutive probe successes")

	tr.RecordProbeSuccess("openai", 50)
	assert.Equal(t, StateHealthy, tr.State("openai"))
	s := tr.Get("openai")
	assert.Zero(t, s.ConsecFailures)
	assert.Zero(t, s.ConsecProbeSuccesses)
}

func TestProbeFailureResetsProbeSuccessStreak(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 2})
	tr.RecordRequestFailure("openai", "e1")
	tr.RecordRequestFailure("openai", "e2")

	tr.RecordProbeSuccess("openai", 50)
	tr.RecordProbeSuccess("openai", 50)
	tr.RecordProbeFailure("openai", "still failing")
	tr.RecordProbeSuccess("openai", 50)
	tr.RecordProbeSuccess("openai", 50)
	assert.Equal(t, StateDegraded, tr.State("openai"), "streak must restart after an intervening failure")
}

func TestUnknownConnectionIsHealthy(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	assert.True(t, tr.IsHealthy("unknown"))
	assert.Equal(t, StateHealthy, tr.State("unknown"))
}

func TestAll_ReturnsEveryTrackedConnection(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	tr.RecordRequestSuccess("openai", 100)
	tr.RecordRequestSuccess("anthropic", 200)
	tr.RecordRequestFailure("local", "error")

	all := tr.All()
	assert.Len(t, all, 3)
}

func TestNonHealthyKeys(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 1})
	tr.RecordRequestSuccess("healthy-one", 50)
	tr.RecordRequestFailure("bad-one", "e1")

	keys := tr.NonHealthyKeys()
	assert.ElementsMatch(t, []string{"bad-one"}, keys)
}

func TestErrorCountTracking(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	tr.RecordRequestSuccess("p1", 50)
	tr.RecordRequestFailure("p1", "err1")
	tr.RecordRequestFailure("p1", "err2")

	s := tr.Get("p1")
	assert.EqualValues(t, 3, s.TotalRequests)
	assert.EqualValues(t, 2, s.TotalErrors)
}

func TestHealthChangeEventsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 2}, WithEventBus(bus))

	tr.RecordRequestFailure("p1", "err1")
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event after first failure: %+v", e)
	default:
	}

	tr.RecordRequestFailure("p1", "err2")
	select {
	case e := <-sub.C:
		assert.Equal(t, events.EventHealthChange, e.Type)
		assert.Equal(t, string(StateHealthy), e.OldState)
		assert.Equal(t, string(StateDegraded), e.NewState)
		assert.Equal(t, "p1", e.ProviderID)
	default:
		t.Fatal("expected health_change event on degraded transition")
	}

	tr.RecordRequestFailure("p1", "err3")
	tr.RecordRequestFailure("p1", "err4")
	select {
	case e := <-sub.C:
		assert.Equal(t, string(StateError), e.NewState)
	default:
		t.Fatal("expected health_change event on error transition")
	}

	tr.RecordProbeSuccess("p1", 50)
	tr.RecordProbeSuccess("p1", 50)
	tr.RecordProbeSuccess("p1", 50)
	select {
	case e := <-sub.C:
		assert.Equal(t, string(StateError), e.OldState)
		assert.Equal(t, string(StateHealthy), e.NewState)
	default:
		t.Fatal("expected health_change event on recovery transition")
	}
}

func TestLatencySpikeDegradesAfterThreeSamples(t *testing.T) {
	tr := NewTracker(TrackerConfig{ConsecutiveErrorThreshold: 3, LatencyMultiplier: 2})
	for i := 0; i < 20; i++ {
		tr.RecordRequestSuccess("p1", 10)
	}
	require.Equal(t, StateHealthy, tr.State("p1"))

	tr.RecordRequestSuccess("p1", 1000)
	tr.RecordRequestSuccess("p1", 1000)
	require.Equal(t, StateHealthy, tr.State("p1"), "below the 3-sample spike threshold")
	tr.RecordRequestSuccess("p1", 1000)
	assert.Equal(t, StateDegraded, tr.State("p1"))
}
