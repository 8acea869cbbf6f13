// Package observability wires the gateway's prometheus metrics, grounded
// on the teacher's own promauto naming convention
// (control_plane/observability/metrics.go).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodeOnline tracks per-node liveness (1 online, 0 offline).
	NodeOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferops_node_online",
		Help: "Whether a node is currently considered online (1) or offline (0)",
	}, []string{"node_id", "node_name"})

	// NodeBusy tracks the exclusivity lock state per node.
	NodeBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferops_node_busy",
		Help: "Whether a node's exclusivity lock is currently held",
	}, []string{"node_id", "node_name"})

	// TelemetryPollFailures counts failed telemetry fetches per node.
	TelemetryPollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferops_telemetry_poll_failures_total",
		Help: "Total telemetry poll failures per node",
	}, []string{"node_id", "reason"})

	// TelemetryPollDuration tracks how long a poll round-trip took.
	TelemetryPollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferops_telemetry_poll_duration_seconds",
		Help:    "Telemetry poll round-trip duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"node_id"})

	// SchedulerPicks counts scheduler outcomes.
	SchedulerPicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferops_scheduler_picks_total",
		Help: "Scheduler pick outcomes",
	}, []string{"outcome"}) // picked, no_node_available

	// SchedulerNodeScore tracks the last composite score computed per node.
	SchedulerNodeScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferops_scheduler_node_score",
		Help: "Last computed composite score for an eligible node",
	}, []string{"node_id"})

	// DispatchRequests counts chat completion dispatch outcomes.
	DispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferops_dispatch_requests_total",
		Help: "Chat completion dispatch outcomes",
	}, []string{"outcome"}) // success, upstream_truncated, upstream_unavailable, no_node

	// DispatchActiveStreams tracks in-flight streaming responses.
	DispatchActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inferops_dispatch_active_streams",
		Help: "Number of chat completion streams currently being proxied",
	})

	// DispatchRetries counts pre-stream failover retries.
	DispatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferops_dispatch_retries_total",
		Help: "Pre-stream failover retries by reason",
	}, []string{"reason"})

	// BatchJobsActive tracks the number of running batch jobs.
	BatchJobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inferops_batch_jobs_active",
		Help: "Number of batch jobs currently running",
	})

	// BatchItemsProcessed counts processed batch items by outcome.
	BatchItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferops_batch_items_processed_total",
		Help: "Batch dataset items processed, by outcome",
	}, []string{"outcome"}) // success, failed

	// AlertsActive tracks the current alert count by level.
	AlertsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferops_alerts_active",
		Help: "Current number of active alerts by level",
	}, []string{"level"})
)
