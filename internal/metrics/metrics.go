// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the tile proxy:
// - Tile request outcomes by source, class and status
// - Cache efficiency
// - Upstream spend and latency
// - Admission-control denials and ledger health
// - HTTP endpoint latency and throughput

var (
	// Tile Pipeline Metrics
	TileRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_tile_requests_total",
			Help: "Total tile requests by source, cost class and HTTP status",
		},
		[]string{"source", "class", "status"}, // source: "cache", "os-api", "none"
	)

	TileCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tileproxy_cache_hits_total",
			Help: "Total tile cache hits",
		},
	)

	TileCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tileproxy_cache_misses_total",
			Help: "Total tile cache misses",
		},
	)

	TileCacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tileproxy_cache_write_failures_total",
			Help: "Total best-effort cache writes that failed after a successful fetch",
		},
	)

	// Upstream Metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_upstream_requests_total",
			Help: "Total OS Maps API requests by outcome",
		},
		[]string{"outcome"}, // "success", "failure", "rejected"
	)

	UpstreamRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tileproxy_upstream_request_duration_seconds",
			Help:    "Duration of successful OS Maps API fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Admission Control Metrics
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_rate_limit_denials_total",
			Help: "Total fetches denied by the weekly usage ledger, by scope and class",
		},
		[]string{"scope", "class"},
	)

	LedgerFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tileproxy_ledger_fail_open_total",
			Help: "Total requests admitted without accounting because the ledger was unreachable",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileproxy_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// HTTP Metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileproxy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileproxy_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)
)

// RecordTileRequest records one completed tile request.
func RecordTileRequest(source, class string, status int) {
	TileRequests.WithLabelValues(source, class, strconv.Itoa(status)).Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}
