// Package metrics exposes Prometheus collectors for the discovery engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchPagesTotal            *prometheus.CounterVec
	fetchSessionsTotal         *prometheus.CounterVec
	breakerTripsTotal          prometheus.Counter
	visitsTotal                *prometheus.CounterVec
	visitDurationSeconds       prometheus.Histogram
	frontierAddedTotal         *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	artifactWritesTotal        *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpgraph_fetch_pages_total",
				Help: "Total number of upstream pages requested, labeled by relation and status.",
			},
			[]string{"relation", "status"},
		)

		fetchSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpgraph_fetch_sessions_total",
				Help: "Total number of paginated fetch sessions, labeled by relation and outcome.",
			},
			[]string{"relation", "outcome"},
		)

		breakerTripsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "corpgraph_breaker_trips_total",
				Help: "Number of times a fetcher was disabled by consecutive failures.",
			},
		)

		visitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpgraph_visits_total",
				Help: "Total number of entity visits, labeled by status.",
			},
			[]string{"status"},
		)

		visitDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "corpgraph_visit_duration_seconds",
				Help:    "Histogram of time spent visiting a single entity.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		frontierAddedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpgraph_frontier_added_total",
				Help: "Total number of entities added to the frontier, labeled by origin.",
			},
			[]string{"origin"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "corpgraph_queue_depth",
				Help: "Number of entities waiting in the work queue.",
			},
		)

		artifactWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpgraph_artifact_writes_total",
				Help: "Artifact writes, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corpgraph_rate_limit_delay_seconds",
				Help:    "Time spent waiting for the upstream rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one upstream page request.
func ObservePage(relation, status string) {
	Init()
	fetchPagesTotal.WithLabelValues(relation, status).Inc()
}

// ObserveSession counts a finished fetch session.
func ObserveSession(relation, outcome string) {
	Init()
	fetchSessionsTotal.WithLabelValues(relation, outcome).Inc()
}

// ObserveBreakerTrip counts a circuit breaker trip.
func ObserveBreakerTrip() {
	Init()
	breakerTripsTotal.Inc()
}

// ObserveVisit records a finished visit.
func ObserveVisit(status string, duration time.Duration) {
	Init()
	visitsTotal.WithLabelValues(status).Inc()
	visitDurationSeconds.Observe(duration.Seconds())
}

// ObserveFrontierAdded counts n new frontier entries.
func ObserveFrontierAdded(origin string, n int) {
	Init()
	if n > 0 {
		frontierAddedTotal.WithLabelValues(origin).Add(float64(n))
	}
}

// SetQueueDepth publishes the current queue depth.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveArtifact counts an artifact write.
func ObserveArtifact(kind, result string) {
	Init()
	artifactWritesTotal.WithLabelValues(kind, result).Inc()
}

// ObserveRateLimitDelay records time spent blocked on the rate limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
