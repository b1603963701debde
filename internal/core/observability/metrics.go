// Package observability registers the Prometheus metrics of the feature stream.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// refresh outcomes
const (
	OutcomeOK              = "ok"
	OutcomeFetchError      = "fetch_error"
	OutcomeProjectionError = "projection_error"
	OutcomeSinkError       = "sink_error"
	OutcomeStale           = "stale"
	OutcomeDetached        = "detached"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wfs3_refresh_total",
			Help: "Layer refreshes by outcome.",
		},
		[]string{"collection", "outcome"},
	)

	refreshDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wfs3_refresh_duration_seconds",
			Help:    "End-to-end refresh duration (reproject, fetch, convert, swap).",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"collection", "outcome"},
	)

	generationSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wfs3_generation_graphics",
			Help: "Number of graphics in the most recently swapped generation.",
		},
		[]string{"collection"},
	)

	unsupportedGeometries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wfs3_unsupported_geometries_total",
			Help: "Features whose geometry type could not be drawn.",
		},
		[]string{"type"},
	)

	malformedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wfs3_malformed_responses_total",
			Help: "Item responses that were not a FeatureCollection and were treated as empty.",
		},
		[]string{"collection"},
	)

	sinkOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_ops_total",
			Help: "Drawable sink operations by sink, op and result.",
		},
		[]string{"sink", "op", "result"},
	)

	sinkOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_op_duration_seconds",
			Help:    "Drawable sink operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"sink", "op"},
	)

	kafkaErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_errors_total",
			Help: "Kafka producer/consumer errors by kind.",
		},
		[]string{"kind"},
	)

	viewportEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_events_total",
			Help: "Viewport updates applied, by source.",
		},
		[]string{"source"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently held by the registry.",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveRefresh(collection, outcome string, durationSeconds float64) {
	refreshTotal.WithLabelValues(collection, outcome).Inc()
	refreshDurationSeconds.WithLabelValues(collection, outcome).Observe(durationSeconds)
}

func SetGenerationSize(collection string, n int) {
	generationSize.WithLabelValues(collection).Set(float64(n))
}

func IncUnsupportedGeometry(typ string) {
	if typ == "" {
		typ = "null"
	}
	unsupportedGeometries.WithLabelValues(typ).Inc()
}

func IncMalformedResponse(collection string) {
	malformedResponses.WithLabelValues(collection).Inc()
}

func ObserveSinkOp(sink, op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sinkOps.WithLabelValues(sink, op, result).Inc()
	sinkOpDurationSeconds.WithLabelValues(sink, op).Observe(durationSeconds)
}

func IncKafkaError(kind string) {
	kafkaErrors.WithLabelValues(kind).Inc()
}

func IncViewportEvent(source string) {
	viewportEvents.WithLabelValues(source).Inc()
}

func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
