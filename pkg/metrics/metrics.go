// Package metrics provides the Prometheus registry and handler for the comms client.
// All metrics are defined in their respective packages (client, cache, ratelimit,
// pagination) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the comms client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer exposes what Registry collects.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the collected metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Throttle Metrics (pkg/ratelimit):
//   - comms_throttle_consecutive_429 (Gauge): Current streak of 429 responses
//   - comms_rate_limit_blocks_total (Counter): Requests blocked due to a critical 429 streak
//   - comms_rate_limit_throttles_total (Counter): Requests delayed by an open throttle window
//   - comms_throttle_wait_seconds (Histogram): Time spent waiting for a throttle window
//
// Cache Metrics (pkg/cache):
//   - comms_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - comms_cache_misses_total (Counter): Cache misses
//   - comms_cache_written_bytes_total{layer="redis"} (Counter): Bytes written to the cache
//   - comms_cache_invalidations_total (Counter): Entries dropped after writes to their collection
//   - comms_304_responses_total (Counter): 304 Not Modified responses
//   - comms_conditional_requests_total (Counter): Conditional requests sent with If-None-Match
//   - comms_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - comms_requests_total{method, status} (Counter): Total requests by method and HTTP status
//   - comms_request_duration_seconds{method} (Histogram): Request duration by method
//   - comms_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - comms_retries_total{error_class} (Counter): Retry attempts by error class
//   - comms_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - comms_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pagination Metrics (pkg/pagination):
//   - comms_pagination_pages_fetched_total (Counter): Pages fetched by enumerations
//   - comms_pagination_items_delivered_total (Counter): Items handed to consumers
//   - comms_pagination_enumerations_total{reason} (Counter): Finished enumerations by end reason
//   - comms_pagination_enumeration_duration_seconds (Histogram): Enumeration wall time
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(comms_cache_hits_total[5m])) /
//   (sum(rate(comms_cache_hits_total[5m])) + sum(rate(comms_cache_misses_total[5m])))
//
//   # Throttled right now
//   comms_throttle_consecutive_429 > 0
//
//   # Request Error Rate
//   sum by (class) (rate(comms_errors_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(comms_request_duration_seconds_bucket[5m]))
//
//   # Enumerations that did not run to the end
//   sum by (reason) (rate(comms_pagination_enumerations_total{reason!="exhausted"}[15m]))
