// Package observability exposes Prometheus metrics for the service.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "outcome"},
	)

	storeOpTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_op_total",
			Help: "Document store operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	storeOpDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_op_duration_seconds",
			Help:    "Duration of document store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"op"},
	)

	corruptGeometriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "assets_corrupt_geometry_total",
			Help: "Stored assets skipped during listing because their WKT failed to parse.",
		},
	)

	assetEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_events_total",
			Help: "Asset change events by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	buildInfo = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(upstream string, err error, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, outcome(err)).Observe(durationSeconds)
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	storeOpTotal.WithLabelValues(op, outcome(err)).Inc()
	storeOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncCorruptGeometry() {
	corruptGeometriesTotal.Inc()
}

func ObserveAssetEvent(action string, published bool) {
	out := "published"
	if !published {
		out = "dropped"
	}
	assetEventsTotal.WithLabelValues(action, out).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
