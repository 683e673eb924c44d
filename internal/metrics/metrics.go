// Package metrics exposes the relay's Prometheus instrumentation,
// following the promauto-vec pattern used by the nexus and hector
// observability packages in the retrieved corpus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/histogram/gauge the relay emits.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	UpstreamDuration   *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	ActiveStreams      prometheus.Gauge
	TokensTotal        *prometheus.CounterVec
	AgentToolCalls     *prometheus.CounterVec
}

// New builds a fresh Metrics bundle registered against its own registry,
// so multiple Server instances (as in tests) never collide on Prometheus's
// default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_requests_total",
			Help: "Total HTTP requests handled, by route and status class.",
		}, []string{"route", "status"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccrelay_upstream_duration_seconds",
			Help:    "Upstream dispatch latency by provider.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccrelay_breaker_state",
			Help: "Circuit breaker state per provider (0=closed,1=half-open,2=open).",
		}, []string{"provider"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccrelay_active_streams",
			Help: "Number of in-flight SSE streams.",
		}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_tokens_total",
			Help: "Token usage by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		AgentToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_agent_tool_calls_total",
			Help: "Agent-loop tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
	}
}

// BreakerGauge converts a breaker state name to the numeric value the
// BreakerState gauge expects.
func BreakerGauge(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
