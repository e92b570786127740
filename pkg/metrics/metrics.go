// Package metrics provides the Prometheus registry and scrape handler for the
// cache worker. All metrics are defined in their respective packages (cache,
// fetch, lifecycle, strategy, ratelimit, control) to keep those packages free
// of a shared dependency.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer all worker metrics land in.
// Metrics are registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving Registry in the Prometheus text
// format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - sw_cache_hits_total{namespace_role} (Counter): Lookups answered from storage
//   - sw_cache_misses_total (Counter): Lookups with no entry
//   - sw_cache_writes_total{namespace_role} (Counter): Entries stored
//   - sw_cache_errors_total{operation} (Counter): Storage operation errors
//   - sw_namespaces_deleted_total (Counter): Namespaces removed from storage
//
// Fetch Metrics (pkg/fetch):
//   - sw_fetch_requests_total{status} (Counter): Network requests by HTTP status
//   - sw_fetch_duration_seconds (Histogram): Network request duration
//   - sw_fetch_errors_total{class} (Counter): Errors by class (client, server, network)
//   - sw_fetch_retries_total{error_class} (Counter): Retry attempts
//   - sw_fetch_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - sw_fetch_retry_exhausted_total{error_class} (Counter): Fetches that exhausted retries
//
// Lifecycle Metrics (pkg/lifecycle):
//   - sw_lifecycle_state{state} (Gauge): 1 for the current lifecycle state
//   - sw_lifecycle_phase_duration_seconds{phase, outcome} (Histogram): Install/activate duration
//   - sw_namespaces_pruned_total (Counter): Namespaces deleted during activation
//
// Strategy Metrics (pkg/strategy):
//   - sw_strategy_requests_total{strategy, outcome} (Counter): Intercepted requests by outcome
//   - sw_revalidations_total{result} (Counter): Background refresh results
//
// Rate Limit Metrics (pkg/ratelimit):
//   - sw_rate_limit_decisions_total{result} (Counter): Allowed and denied background requests
//   - sw_rate_limit_wait_seconds (Histogram): Time spent waiting for a token
//
// Control Metrics (pkg/control):
//   - sw_control_messages_total{type} (Counter): Control messages by type
//
// Example Prometheus Queries:
//
//	# Cache hit rate
//	sum(rate(sw_cache_hits_total[5m])) /
//	(sum(rate(sw_cache_hits_total[5m])) + sum(rate(sw_cache_misses_total[5m])))
//
//	# Offline fallbacks served by network-first
//	rate(sw_strategy_requests_total{strategy="network_first", outcome="fallback"}[5m])
//
//	# P95 network latency
//	histogram_quantile(0.95, rate(sw_fetch_duration_seconds_bucket[5m]))
