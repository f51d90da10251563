package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RequestsTotal == nil {
		t.Fatal("expected non-nil RequestsTotal counter")
	}
	if r.RequestLatency == nil {
		t.Fatal("expected non-nil RequestLatency histogram")
	}
	if r.CostUSD == nil {
		t.Fatal("expected non-nil CostUSD counter")
	}
	if r.ProviderHealth == nil {
		t.Fatal("expected non-nil ProviderHealth gauge")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	h := r.Handler()
	if h == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	r.RequestsTotal.WithLabelValues("gpt-4", "openai", "200").Inc()
	r.CostUSD.WithLabelValues("gpt-4", "openai").Add(0.01)
	r.RequestLatency.WithLabelValues("gpt-4", "openai").Observe(150.0)
	r.RetryTotal.WithLabelValues("openai").Inc()
	r.FallbackTotal.WithLabelValues("openai", "local").Inc()
	r.BudgetRejected.WithLabelValues("openai-main", "daily").Inc()
	r.AlertsRaised.WithLabelValues("consecutive_errors").Inc()
	r.ProviderHealth.WithLabelValues("1").Set(HealthStateValue("DEGRADED"))

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	want := []string{
		"openclaw_hub_requests_total",
		"openclaw_hub_request_latency_ms",
		"openclaw_hub_cost_usd_total",
		"openclaw_hub_retry_total",
		"openclaw_hub_fallback_total",
		"openclaw_hub_budget_rejected_total",
		"openclaw_hub_alerts_raised_total",
		"openclaw_hub_provider_health_state",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.RequestsTotal.WithLabelValues("gpt-4", "openai", "200").Inc()

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
	_ = r1
}

func TestRegisteredMetricDescriptions(t *testing.T) {
	r := New()

	ch := make(chan *prometheus.Desc, 10)
	go func() {
		r.RequestsTotal.Describe(ch)
		r.RequestLatency.Describe(ch)
		r.CostUSD.Describe(ch)
		close(ch)
	}()

	count := 0
	for range ch {
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 metric descriptors, got %d", count)
	}
}

func TestHealthStateValue(t *testing.T) {
	cases := map[string]float64{"HEALTHY": 0, "DEGRADED": 1, "ERROR": 2, "": 0, "BOGUS": 0}
	for state, want := range cases {
		if got := HealthStateValue(state); got != want {
			t.Errorf("HealthStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
