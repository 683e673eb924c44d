package middleware

import (
	"net/http"
	"time"

	"github.com/ccrelay/ccrelay/internal/metrics"
)

// MetricsMiddleware counts every request in internal/metrics'
// RequestsTotal counter (by path and status class); it records no
// histogram or latency. Adapted from the teacher's
// metrics-blocker host/path gate: the same position in the chain, but
// recording real request metrics instead of swallowing Claude Code's own
// telemetry calls.
type MetricsMiddleware struct {
	metrics *metrics.Metrics
}

func NewMetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	mm := &MetricsMiddleware{metrics: m}
	return mm.middleware
}

func (mm *MetricsMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mm.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		statusClass := "2xx"
		switch {
		case wrapped.status >= 500:
			statusClass = "5xx"
		case wrapped.status >= 400:
			statusClass = "4xx"
		case wrapped.status >= 300:
			statusClass = "3xx"
		}
		mm.metrics.RequestsTotal.WithLabelValues(r.URL.Path, statusClass).Inc()
		_ = time.Since(start)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}
