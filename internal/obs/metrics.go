// Package obs carries the process observability surface: prometheus
// collectors for scraping, atomic counters for the JSON ops view, trace id
// generation, and a host process sample.
package obs

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the prometheus registry and mirrors the counters the
// /ops/status endpoint reports without a scrape round-trip.
type Metrics struct {
	registry *prometheus.Registry
	start    time.Time

	httpRequests     prometheus.Counter
	httpErrors       prometheus.Counter
	resultsFinalized prometheus.Counter
	finalizeRetries  prometheus.Counter

	httpRequestCount atomic.Int64
	httpErrorCount   atomic.Int64
	finalizedCount   atomic.Int64
	retryCount       atomic.Int64
}

// NewMetrics builds a registry with the server's collectors plus the
// standard Go runtime collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		start:    time.Now(),
		httpRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_http_requests_total",
			Help: "Total HTTP requests handled.",
		}),
		httpErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_http_request_errors_total",
			Help: "HTTP responses with status >= 400.",
		}),
		resultsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_results_finalized_total",
			Help: "Match results whose finalize transaction committed.",
		}),
		finalizeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_finalize_retries_total",
			Help: "Extra finalize transaction attempts after transient failures.",
		}),
	}

	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// RegisterAppGauges exposes live counts as gauges. The callbacks are invoked
// per scrape, so they must be cheap and concurrency-safe.
func (m *Metrics) RegisterAppGauges(activeSessions, queueLength, activeConnections func() float64) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arena_sessions_active",
		Help: "Sessions currently ticking.",
	}, activeSessions)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arena_queue_length",
		Help: "Users waiting in the matchmaking queue.",
	}, queueLength)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arena_ws_connections_active",
		Help: "Registered realtime connections.",
	}, activeConnections)
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncHTTPRequest counts one handled HTTP request.
func (m *Metrics) IncHTTPRequest() {
	m.httpRequests.Inc()
	m.httpRequestCount.Add(1)
}

// IncHTTPError counts one HTTP response with status >= 400.
func (m *Metrics) IncHTTPError() {
	m.httpErrors.Inc()
	m.httpErrorCount.Add(1)
}

// IncResultFinalized counts one committed finalize transaction.
func (m *Metrics) IncResultFinalized() {
	m.resultsFinalized.Inc()
	m.finalizedCount.Add(1)
}

// AddFinalizeRetries counts attempts beyond the first within one finalize.
func (m *Metrics) AddFinalizeRetries(n int) {
	if n <= 0 {
		return
	}
	m.finalizeRetries.Add(float64(n))
	m.retryCount.Add(int64(n))
}

// OpsCounts returns the counter values for the JSON ops view.
func (m *Metrics) OpsCounts() (requests, errors, finalized, retries int64) {
	return m.httpRequestCount.Load(),
		m.httpErrorCount.Load(),
		m.finalizedCount.Load(),
		m.retryCount.Load()
}

// Uptime reports time since the metrics registry was built, which tracks
// process start closely enough for the ops view.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.start)
}
