package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all Quidditch metrics
const (
	Namespace = "quidditch"
)

// MetricsCollector aggregates all metrics for a Quidditch component
type MetricsCollector struct {
	// HTTP metrics (admin API)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Cluster metrics
	ClusterNodes     *prometheus.GaugeVec
	ClusterShards    *prometheus.GaugeVec
	ClusterIndices   prometheus.Gauge

	// Shard metrics
	ShardOperations *prometheus.CounterVec
	ShardSize       *prometheus.GaugeVec

	// Raft metrics
	RaftLeader       prometheus.Gauge
	RaftTerm         prometheus.Gauge
	RaftCommitIndex  prometheus.Gauge
	RaftAppliedIndex prometheus.Gauge

	// Balanced Shards Allocator metrics
	AllocationPassDuration   prometheus.Histogram
	AllocationPassesTotal    *prometheus.CounterVec
	ShardsAssignedTotal      *prometheus.CounterVec
	ShardsRelocatedTotal     *prometheus.CounterVec
	ShardsIgnoredTotal       *prometheus.CounterVec
	AllocationWeightDelta    *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector for a component
func NewMetricsCollector(component string) *MetricsCollector {
	return &MetricsCollector{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Cluster metrics
		ClusterNodes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "cluster_nodes",
				Help:      "Number of nodes in the cluster by type",
			},
			[]string{"node_type", "status"},
		),
		ClusterShards: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "cluster_shards",
				Help:      "Number of shards in the cluster",
			},
			[]string{"index", "state"},
		),
		ClusterIndices: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "cluster_indices_total",
				Help:      "Total number of indices in the cluster",
			},
		),

		// Shard metrics
		ShardOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "shard_operations_total",
				Help:      "Total number of shard operations",
			},
			[]string{"operation", "status"},
		),
		ShardSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "shard_size_bytes",
				Help:      "Shard size in bytes",
			},
			[]string{"index", "shard_id"},
		),

		// Raft metrics
		RaftLeader: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_leader",
				Help:      "Whether this node is the Raft leader (1=leader, 0=follower)",
			},
		),
		RaftTerm: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_term",
				Help:      "Current Raft term",
			},
		),
		RaftCommitIndex: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_commit_index",
				Help:      "Current Raft commit index",
			},
		),
		RaftAppliedIndex: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_applied_index",
				Help:      "Current Raft applied index",
			},
		),

		// Allocator metrics
		AllocationPassDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_pass_duration_seconds",
				Help:      "Duration of a single allocate() pass (unassigned + move + rebalance)",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		AllocationPassesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_passes_total",
				Help:      "Total number of allocate() passes, by outcome",
			},
			[]string{"outcome"},
		),
		ShardsAssignedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "shards_assigned_total",
				Help:      "Total number of shards initialized onto a node by AllocateUnassigned",
			},
			[]string{"index", "primary"},
		),
		ShardsRelocatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "shards_relocated_total",
				Help:      "Total number of shard relocations emitted, by phase",
			},
			[]string{"index", "phase"},
		),
		ShardsIgnoredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "shards_ignored_total",
				Help:      "Total number of shards left unassigned, by status",
			},
			[]string{"index", "status"},
		),
		AllocationWeightDelta: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_weight_delta",
				Help:      "max-min node weight for an index after the rebalance phase",
			},
			[]string{"index"},
		),
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordAllocationPass records the outcome of a single allocate() pass.
func (m *MetricsCollector) RecordAllocationPass(outcome string, duration time.Duration) {
	m.AllocationPassesTotal.WithLabelValues(outcome).Inc()
	m.AllocationPassDuration.Observe(duration.Seconds())
}

// statusClass converts HTTP status code to status class (2xx, 3xx, 4xx, 5xx)
func statusClass(status int) string {
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
