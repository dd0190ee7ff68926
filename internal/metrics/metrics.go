// Package metrics exposes prometheus collectors for the build pipeline,
// upstream calls and the query surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsTotal counts finished build tasks by type and result.
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_builds_total",
			Help: "Total number of finished build tasks by type and result",
		},
		[]string{"type", "result"},
	)

	// BuildDuration observes wall time of build tasks by type.
	BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kg_build_duration_seconds",
			Help:    "Wall time of build tasks",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"type"},
	)

	// BuildRunning is 1 while a build or update task holds the state lock.
	BuildRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kg_build_running",
			Help: "Whether a build task is currently running",
		},
	)

	// VersionsDeleted counts graph versions removed by the retention sweeper.
	VersionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kg_versions_deleted_total",
			Help: "Total number of graph versions deleted by retention cleanup",
		},
	)

	// QueriesTotal counts query-surface requests by endpoint and status.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_queries_total",
			Help: "Total number of query requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	// CacheHits counts read-cache outcomes by result.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_query_cache_total",
			Help: "Query cache lookups by result",
		},
		[]string{"result"},
	)
)
