package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"layer"}, // "redis"
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comms_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheWrittenBytes counts bytes written to the cache by layer
	CacheWrittenBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_cache_written_bytes_total",
			Help: "Total bytes written to the response cache",
		},
		[]string{"layer"},
	)

	// CacheInvalidations counts entries dropped after writes to their collection
	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comms_cache_invalidations_total",
			Help: "Total number of cache entries invalidated by writes",
		},
	)

	// ConditionalRequestsSent tracks requests sent with cache validators
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comms_conditional_requests_total",
			Help: "Total number of conditional requests sent",
		},
	)

	// NotModifiedResponses tracks 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comms_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "scan"
	)
)
