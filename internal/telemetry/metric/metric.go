// Package metric provides Prometheus metrics for authmesh.
//
// It exposes metrics in Prometheus format for monitoring cache
// operations, replication traffic, and cluster health.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all application metrics.
type Registry struct {
	reg *prometheus.Registry

	// Cache metrics
	CachePuts    *prometheus.CounterVec
	CacheDeletes *prometheus.CounterVec
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	CacheEntries *prometheus.GaugeVec
	SweptEntries prometheus.Counter

	// Replication metrics
	ReplicationSent   prometheus.Counter
	ReplicationFailed prometheus.Counter

	// Cluster metrics
	ClusterMembers prometheus.Gauge
	PartitionHeals *prometheus.CounterVec
	JoinSnapshots  prometheus.Counter
}

// NewRegistry creates a new metrics registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	r := &Registry{
		reg: reg,

		CachePuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_cache_puts_total",
			Help: "Total number of cache put operations.",
		}, []string{"table"}),
		CacheDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_cache_deletes_total",
			Help: "Total number of cache delete operations.",
		}, []string{"table"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_cache_hits_total",
			Help: "Total number of cache gets that found a live entry.",
		}, []string{"table"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_cache_misses_total",
			Help: "Total number of cache gets that found nothing.",
		}, []string{"table"}),
		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "authmesh_cache_entries",
			Help: "Current number of entries per table.",
		}, []string{"table"}),
		SweptEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmesh_cache_swept_entries_total",
			Help: "Total number of expired entries removed by the sweeper.",
		}),

		ReplicationSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmesh_replication_sent_total",
			Help: "Total number of replication messages sent to peers.",
		}),
		ReplicationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmesh_replication_failed_total",
			Help: "Total number of replication deliveries that failed.",
		}),

		ClusterMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authmesh_cluster_members",
			Help: "Number of currently connected cluster members, including self.",
		}),
		PartitionHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_partition_heals_total",
			Help: "Total number of partition heal attempts by result.",
		}, []string{"result"}),
		JoinSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmesh_join_snapshots_total",
			Help: "Total number of table snapshots applied during join.",
		}),
	}

	reg.MustRegister(
		r.CachePuts, r.CacheDeletes, r.CacheHits, r.CacheMisses,
		r.CacheEntries, r.SweptEntries,
		r.ReplicationSent, r.ReplicationFailed,
		r.ClusterMembers, r.PartitionHeals, r.JoinSnapshots,
	)

	return r
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying prometheus gatherer, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
