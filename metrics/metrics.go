// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Instance metrics
	InstancesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_instances_started_total",
			Help: "Total number of workflow instances started",
		},
		[]string{"definition"},
	)

	InstancesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_instances_finished_total",
			Help: "Total number of workflow instances that reached a terminal status",
		},
		[]string{"definition", "status"},
	)

	InstancesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentflow_instances_running",
			Help: "Number of workflow instances currently executing",
		},
	)

	// Node metrics
	NodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_node_executions_total",
			Help: "Total number of node executions by outcome",
		},
		[]string{"agent", "outcome"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_node_duration_seconds",
			Help:    "Node execution duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	NodeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_node_retries_total",
			Help: "Total number of node retries by error type",
		},
		[]string{"agent", "error_type"},
	)

	// Quota metrics
	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_quota_decisions_total",
			Help: "Total number of quota decisions",
		},
		[]string{"service", "outcome"},
	)

	// Routing metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_routing_decisions_total",
			Help: "Total number of routing decisions",
		},
		[]string{"intent", "domain", "fallback"},
	)

	// Event log metrics
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_events_appended_total",
			Help: "Total number of events durably appended",
		},
		[]string{"type"},
	)

	SnapshotsTaken = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_snapshots_taken_total",
			Help: "Total number of state snapshots saved",
		},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_cache_requests_total",
			Help: "State cache lookups by result",
		},
		[]string{"result"},
	)

	PersistenceErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_persistence_errors_total",
			Help: "Total number of failed durable writes",
		},
	)
)
