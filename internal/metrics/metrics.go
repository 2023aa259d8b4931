package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"loftrace/internal/feeding"
)

var (
	FeedingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loftrace_feeding_outcomes_total",
			Help: "Feeding attempts by batch variant and outcome",
		},
		[]string{"variant", "outcome"},
	)

	FeedingRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loftrace_feeding_run_duration_seconds",
			Help:    "Wall time of one daily feeding run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	RacesRun = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loftrace_races_run_total",
			Help: "Races simulated to completion",
		},
	)

	RaceEntrantOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loftrace_race_entrant_outcomes_total",
			Help: "Simulated race results by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loftrace_http_requests_total",
			Help: "API requests by route pattern, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loftrace_http_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	ReplayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loftrace_replay_clients",
			Help: "Open live race replay connections",
		},
	)
)

// FeedingRecorder counts batch outcomes.
type FeedingRecorder struct{}

func (FeedingRecorder) Record(variant string, outcome feeding.Outcome) {
	FeedingOutcomes.WithLabelValues(variant, string(outcome)).Inc()
}
