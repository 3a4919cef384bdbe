// Package metrics holds the Prometheus collectors of the feed service.
// Collectors register with the default registry on import.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookupsTotal counts feed cache lookups by result: hit, miss or stale.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_cache_lookups_total",
			Help: "Feed cache lookups by result",
		},
		[]string{"result"},
	)

	// ComputeDuration tracks candidate fetch plus ranking per sort mode.
	ComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_compute_duration_seconds",
			Help:    "Duration of feed recomputation on cache miss",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"mode", "outcome"},
	)

	// SingleFlightSharedTotal counts callers that waited on another caller's computation.
	SingleFlightSharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_singleflight_shared_total",
			Help: "Feed requests served by an in-flight computation started by another request",
		},
	)

	// DegradedTotal counts non-personalized or stale responses by reason.
	DegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_degraded_responses_total",
			Help: "Feed responses served in degraded mode",
		},
		[]string{"reason"},
	)

	// ImpressionsTotal counts recorded impressions by source.
	ImpressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_impressions_total",
			Help: "Recorded feed impressions",
		},
		[]string{"source"},
	)

	// WatchEventsTotal counts recorded watch events by completion.
	WatchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_watch_events_total",
			Help: "Recorded watch events",
		},
		[]string{"completed"},
	)

	// InvalidationsTotal counts cache invalidations by reason.
	InvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_cache_invalidations_total",
			Help: "Feed cache invalidations",
		},
		[]string{"reason"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// ObserveCompute records one recomputation.
func ObserveCompute(mode string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ComputeDuration.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

// RecordLookup records a cache lookup result.
func RecordLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}
