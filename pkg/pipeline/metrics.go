package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks finished aggregation runs by outcome (success, error)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliniko_runs_total",
			Help: "Total number of aggregation runs by outcome",
		},
		[]string{"outcome"},
	)

	// RunDuration tracks wall-clock duration of aggregation runs
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cliniko_run_duration_seconds",
			Help:    "Aggregation run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// RunsInFlight tracks aggregation runs currently executing
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cliniko_runs_in_flight",
			Help: "Number of aggregation runs currently executing",
		},
	)
)
