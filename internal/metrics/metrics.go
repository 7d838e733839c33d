// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterItemsTotal            *prometheus.CounterVec
	harvesterChunksTotal           *prometheus.CounterVec
	harvesterRetriesTotal          *prometheus.CounterVec
	harvesterActiveWorkers         prometheus.Gauge
	harvesterProxyEndpoints        *prometheus.GaugeVec
	harvesterBreakerState          *prometheus.GaugeVec
	harvesterRateLimitDelaySeconds *prometheus.HistogramVec
	harvesterCheckpointFlushTotal  prometheus.Counter
	harvesterHTTPRequestsTotal     *prometheus.CounterVec
	harvesterHTTPDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		harvesterItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Total items processed, labeled by status and error kind.",
			},
			[]string{"status", "kind"},
		)

		harvesterChunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_chunks_total",
				Help: "Total chunks completed, labeled by status.",
			},
			[]string{"status"},
		)

		harvesterRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_retries_total",
				Help: "Total retry attempts, labeled by error kind.",
			},
			[]string{"kind"},
		)

		harvesterActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a chunk.",
			},
		)

		harvesterProxyEndpoints = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_proxy_endpoints",
				Help: "Proxy endpoints in the pool, labeled by state.",
			},
			[]string{"state"},
		)

		harvesterBreakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_breaker_state",
				Help: "Circuit breaker state per domain (0 closed, 1 half-open, 2 open).",
			},
			[]string{"domain"},
		)

		harvesterRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations per domain.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		harvesterCheckpointFlushTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_checkpoint_flushes_total",
				Help: "Total checkpoint flushes to durable storage.",
			},
		)

		harvesterHTTPRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total operational HTTP requests, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		)

		harvesterHTTPDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of operational HTTP request durations by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		)
	})
}

// Domain sanitizes a URL or host into a lowercase hostname label.
// It returns "unknown" if the value is invalid.
func Domain(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the item counter for a status and error kind.
func ObserveItem(status, kind string) {
	if harvesterItemsTotal == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	harvesterItemsTotal.WithLabelValues(status, kind).Inc()
}

// ObserveChunk increments the chunk counter for the given status.
func ObserveChunk(status string) {
	if harvesterChunksTotal == nil {
		return
	}
	harvesterChunksTotal.WithLabelValues(status).Inc()
}

// ObserveRetry increments the retry counter for the given error kind.
func ObserveRetry(kind string) {
	if harvesterRetriesTotal == nil {
		return
	}
	harvesterRetriesTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if harvesterActiveWorkers == nil {
		return
	}
	harvesterActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if harvesterActiveWorkers == nil {
		return
	}
	harvesterActiveWorkers.Dec()
}

// SetProxyEndpoints publishes the pool's active/inactive endpoint counts.
func SetProxyEndpoints(active, inactive int) {
	if harvesterProxyEndpoints == nil {
		return
	}
	harvesterProxyEndpoints.WithLabelValues("active").Set(float64(active))
	harvesterProxyEndpoints.WithLabelValues("inactive").Set(float64(inactive))
}

// SetBreakerState publishes a domain's circuit state as a numeric gauge.
func SetBreakerState(domain string, state float64) {
	if harvesterBreakerState == nil {
		return
	}
	harvesterBreakerState.WithLabelValues(Domain(domain)).Set(state)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if harvesterRateLimitDelaySeconds == nil {
		return
	}
	harvesterRateLimitDelaySeconds.WithLabelValues(Domain(domain)).Observe(duration.Seconds())
}

// ObserveCheckpointFlush counts a durable checkpoint flush.
func ObserveCheckpointFlush() {
	if harvesterCheckpointFlushTotal == nil {
		return
	}
	harvesterCheckpointFlushTotal.Inc()
}

// ObserveHTTPRequest records one operational HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if harvesterHTTPRequestsTotal == nil {
		return
	}
	harvesterHTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	harvesterHTTPDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
