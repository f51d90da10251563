// Package metrics exposes a Prometheus registry for the gateway:
// request/cost counters, retry/fallback/budget-rejection counters, and
// the background health/alert gauges, served over GET /metrics.
//
// CounterVec/HistogramVec/GaugeVec are registered against a private
// prometheus.Registry rather than the global default, so multiple
// instances can coexist in the same process during tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the gateway publishes.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	CostUSD         *prometheus.CounterVec
	RetryTotal      *prometheus.CounterVec
	FallbackTotal   *prometheus.CounterVec
	BudgetRejected  *prometheus.CounterVec
	AlertsRaised    *prometheus.CounterVec
	ProviderHealth  *prometheus.GaugeVec // 0=healthy, 1=degraded, 2=error
}

// New builds and registers every metric against a private registry (not the
// global default one, so multiple Registry instances never collide in
// tests).
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_hub_requests_total",
			Help: "Total completion requests routed through the gateway",
		}, []string{"model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openclaw_hub_request_latency_ms",
			Help:    "Completion request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_hub_cost_usd_total",
			Help: "Accumulated cost in USD",
		}, []string{"model", "provider"}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_hub_retry_total",
			Help: "Total retry attempts issued by the retry/fallback executor",
		}, []string{"provider"}),
		FallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_hub_fallback_total",
			Help: "Total requests that fell back to a secondary connection",
		}, []string{"original_provider", "actual_provider"}),
		BudgetRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_hub_budget_rejected_total",
			Help: "Total requests rejected by pre-flight budget enforcement",
		}, []string{"connection", "window"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_hub_alerts_raised_total",
			Help: "Total alerts raised by the alert manager",
		}, []string{"kind"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "openclaw_hub_provider_health_state",
			Help: "Provider health state (0=healthy, 1=degraded, 2=error)",
		}, []string{"connection"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD, m.RetryTotal, m.FallbackTotal, m.BudgetRejected, m.AlertsRaised, m.ProviderHealth)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// HealthStateValue maps a health.State string to the gauge's numeric
// encoding; unrecognised states map to 0 (healthy) rather than panicking.
func HealthStateValue(state string) float64 {
	switch state {
	case "DEGRADED":
		return 1
	case "ERROR":
		return 2
	default:
		return 0
	}
}
