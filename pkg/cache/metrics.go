package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks fetch cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_cache_hits_total",
			Help: "Total number of fetch cache hits",
		},
	)

	// CacheMisses tracks fetch cache misses, including degraded reads.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_cache_misses_total",
			Help: "Total number of fetch cache misses",
		},
	)

	// CacheWrites tracks entries written.
	CacheWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_cache_writes_total",
			Help: "Total number of fetch cache entries written",
		},
	)

	// NotModifiedResponses tracks 304 Not Modified responses.
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_304_responses_total",
			Help: "Total number of ESI 304 Not Modified responses",
		},
	)

	// ConditionalRequestsSent tracks requests carrying If-None-Match.
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_conditional_requests_total",
			Help: "Total number of conditional requests sent with If-None-Match",
		},
	)

	// CacheErrors tracks cache operation errors.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esi_cache_errors_total",
			Help: "Total number of fetch cache operation errors",
		},
		[]string{"operation"}, // "get", "decode", "encode", "set"
	)
)
