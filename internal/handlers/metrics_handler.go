package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccrelay/ccrelay/internal/metrics"
)

// NewMetricsHandler exposes the relay's own Prometheus registry, the way
// nexus's gateway and hector's observability package both wire
// promhttp.HandlerFor against a dedicated (non-default) registry.
func NewMetricsHandler(m *metrics.Metrics) http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
