package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the service's collectors. They are registered on the
// registry passed to New so several servers can coexist in one process.
type metrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	operations *prometheus.CounterVec
	liveConns  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wishlist_server",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wishlist_server",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wishlist_server",
			Name:      "operations_total",
			Help:      "Wishlist operations applied, by type",
		}, []string{"type"}),
		liveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wishlist_server",
			Name:      "live_connections",
			Help:      "Open live update connections",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.operations, m.liveConns)
	return m
}

// middleware records request counts and latency by route pattern.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := wrap(w)
		next.ServeHTTP(rw, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		m.requests.WithLabelValues(r.Method, routePattern, strconv.Itoa(rw.statusCode)).Inc()
		m.duration.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}
