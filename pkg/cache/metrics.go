package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by namespace role
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sw_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"namespace_role"}, // "static", "runtime"
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sw_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheWrites tracks stored entries by namespace role
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sw_cache_writes_total",
			Help: "Total number of cache entries written",
		},
		[]string{"namespace_role"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sw_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "match", "put", "delete", "list", "open"
	)

	// NamespacesDeleted tracks namespaces removed by activation
	NamespacesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sw_namespaces_deleted_total",
			Help: "Total number of cache namespaces deleted",
		},
	)
)
