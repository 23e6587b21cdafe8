package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts fresh entries served from Redis
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cf_cache_hits_total",
		Help: "Total number of response cache hits",
	})

	// CacheMisses counts lookups that found no fresh entry
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cf_cache_misses_total",
		Help: "Total number of response cache misses",
	})

	// CacheErrors counts failed cache operations
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"}) // "get", "set", "delete"

	// ConditionalRequestsSent counts requests sent with If-None-Match or If-Modified-Since
	ConditionalRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cf_conditional_requests_total",
		Help: "Total number of conditional requests sent",
	})

	// NotModifiedResponses counts 304 answers served from cache
	NotModifiedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cf_not_modified_total",
		Help: "Total number of 304 Not Modified responses",
	})
)
