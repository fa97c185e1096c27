// Package metrics exposes the Prometheus registry of the service.
// Metrics are declared with promauto next to the code that records them
// (client, ratelimit, cache, pipeline); this package serves them and lists
// the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all service metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Catalogue lists the metric families recorded by the service.
var Catalogue = []string{
	// pkg/client
	"cliniko_requests_total",
	"cliniko_request_duration_seconds",
	"cliniko_errors_total",
	"cliniko_retries_total",
	"cliniko_retry_backoff_seconds",
	"cliniko_retry_exhausted_total",

	// pkg/ratelimit
	"cliniko_rate_limit_responses_total",
	"cliniko_rate_limit_wait_seconds",

	// pkg/cache
	"cliniko_contact_lookups_total",
	"cliniko_contact_cache_entries",

	// pkg/pipeline
	"cliniko_runs_total",
	"cliniko_run_duration_seconds",
	"cliniko_runs_in_flight",
}

// Useful queries:
//
//	# Contact cache hit rate
//	sum(rate(cliniko_contact_lookups_total{outcome="hit"}[5m])) /
//	sum(rate(cliniko_contact_lookups_total[5m]))
//
//	# Share of upstream responses that were 429
//	rate(cliniko_rate_limit_responses_total[5m]) / rate(cliniko_requests_total[5m])
//
//	# P95 run duration
//	histogram_quantile(0.95, rate(cliniko_run_duration_seconds_bucket[1h]))
//
//	# Failed runs
//	increase(cliniko_runs_total{outcome="error"}[1d])
