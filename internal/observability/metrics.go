package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Upstream API call rate by status class. Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Retry attempts against the upstream API. High retries = unstable upstream.
	UpstreamRetriesTotal prometheus.Counter

	// Calls rejected by the open circuit breaker without touching the network.
	BreakerRejectionsTotal prometheus.Counter

	// Current breaker state: 0 closed, 1 open, 2 half-open.
	BreakerStateGauge prometheus.Gauge

	// Breaker state transitions, labeled from/to.
	BreakerTransitionsTotal *prometheus.CounterVec

	// Sink write batches by outcome.
	SinkBatchesTotal *prometheus.CounterVec

	// Points successfully landed in the sink.
	SinkPointsWrittenTotal prometheus.Counter

	// Entries currently persisted in the fallback cache.
	CacheEntriesGauge prometheus.Gauge

	// Cache entries dropped: checksum mismatches and bound evictions.
	CacheDroppedTotal *prometheus.CounterVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total upstream API calls by status class",
		},
		[]string{"status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total upstream API retry attempts",
		},
	)
	BreakerRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "breakerRejectionsTotal",
			Help: "Calls rejected while the circuit breaker was open",
		},
	)
	BreakerStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "breakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	SinkBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sinkBatchesTotal",
			Help: "Sink write batches by outcome",
		},
		[]string{"outcome"},
	)
	SinkPointsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sinkPointsWrittenTotal",
			Help: "Points successfully written to the sink",
		},
	)
	CacheEntriesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheEntries",
			Help: "Entries currently persisted in the fallback cache",
		},
	)
	CacheDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheDroppedTotal",
			Help: "Cache entries dropped, by reason",
		},
		[]string{"reason"},
	)

	registry.MustRegister(
		UpstreamCallsTotal,
		UpstreamRetriesTotal,
		BreakerRejectionsTotal,
		BreakerStateGauge,
		BreakerTransitionsTotal,
		SinkBatchesTotal,
		SinkPointsWrittenTotal,
		CacheEntriesGauge,
		CacheDroppedTotal,
	)
}

// MetricsHandler returns the HTTP handler serving the private registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordBreakerTransition updates the transition counter and state gauge.
func RecordBreakerTransition(from, to string, stateValue int) {
	BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
	BreakerStateGauge.Set(float64(stateValue))
}
