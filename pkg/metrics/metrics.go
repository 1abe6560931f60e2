package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshd_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshd_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	WorkflowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshd_workflows_total",
			Help: "Total number of workflows by state",
		},
		[]string{"state"},
	)

	// Consensus metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	EntriesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_entries_applied_total",
			Help: "Total log entries applied by kind",
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshd_tasks_scheduled_total",
			Help: "Total number of task assignments proposed",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshd_tasks_retried_total",
			Help: "Total number of task retries proposed",
		},
	)

	TasksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshd_tasks_dead_lettered_total",
			Help: "Total number of tasks parked in the dead letter state",
		},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_dispatches_total",
			Help: "Total dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(EntriesApplied)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(DispatchesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
