package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ContactLookups tracks contact lookups by outcome (hit, fetched, failed)
	ContactLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliniko_contact_lookups_total",
			Help: "Total number of contact lookups by outcome",
		},
		[]string{"outcome"},
	)

	// ContactCacheEntries tracks contacts held by in-flight runs
	ContactCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cliniko_contact_cache_entries",
			Help: "Current number of contacts cached by running aggregations",
		},
	)
)
