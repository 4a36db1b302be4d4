package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "goldfinch_workflows_started_total",
			Help: "Total number of research workflows started",
		},
	)

	WorkflowsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_workflows_terminal_total",
			Help: "Total number of research workflows that reached a terminal state",
		},
		[]string{"workflow_type", "status", "error_kind"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goldfinch_workflow_duration_seconds",
			Help:    "Research workflow duration in seconds, start to terminal state",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"workflow_type", "status"},
	)

	WorkflowsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "goldfinch_workflows_in_flight",
			Help: "Number of research workflows not yet terminal",
		},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goldfinch_workflow_phase_duration_seconds",
			Help:    "Time spent in each workflow phase",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"phase"},
	)

	// Search metrics
	SearchTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_search_tasks_total",
			Help: "Search tasks by target kind and terminal status",
		},
		[]string{"target", "status"},
	)

	SearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goldfinch_search_latency_seconds",
			Help:    "Latency of external search calls in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"target"},
	)

	DispatcherSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "goldfinch_dispatcher_slots_in_use",
			Help: "Search worker slots currently held across all workflows",
		},
	)

	// Cancellation metrics
	CancellationTokensActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "goldfinch_cancellation_tokens",
			Help: "Cancellation tokens currently registered, including ones in their grace window",
		},
	)

	CancellationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_cancellation_requests_total",
			Help: "Cancel calls by result (accepted, already_cancelled, not_found)",
		},
		[]string{"result"},
	)

	CancelRelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_cancel_relay_messages_total",
			Help: "Cancel requests relayed between instances",
		},
		[]string{"direction", "result"},
	)

	// Streaming metrics
	StreamEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_stream_events_published_total",
			Help: "Events accepted onto request event streams",
		},
		[]string{"type"},
	)

	StreamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_stream_events_dropped_total",
			Help: "Events dropped because a stream buffer was full",
		},
		[]string{"type", "reason"},
	)

	StreamsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "goldfinch_streams_open",
			Help: "Number of request event streams held by the manager",
		},
	)

	// Persistence metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_store_writes_total",
			Help: "Store writes by operation and result",
		},
		[]string{"operation", "result"},
	)

	// Session metrics
	SessionHistoryOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_session_history_ops_total",
			Help: "Session history reads and appends",
		},
		[]string{"op", "result"},
	)

	// LLM collaborator metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_llm_requests_total",
			Help: "Calls to the LLM endpoint by step and status",
		},
		[]string{"step", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goldfinch_llm_latency_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// HTTP API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldfinch_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// RecordWorkflowTerminal records metrics for a workflow that reached a terminal state.
func RecordWorkflowTerminal(workflowType, status, errorKind string, durationSeconds float64) {
	if workflowType == "" {
		workflowType = "unrouted"
	}
	WorkflowsTerminal.WithLabelValues(workflowType, status, errorKind).Inc()
	WorkflowDuration.WithLabelValues(workflowType, status).Observe(durationSeconds)
}

// RecordSearch records one terminal search task.
func RecordSearch(target, status string, durationSeconds float64) {
	SearchTasks.WithLabelValues(target, status).Inc()
	if durationSeconds > 0 {
		SearchLatency.WithLabelValues(target).Observe(durationSeconds)
	}
}

// RecordLLM records one LLM call.
func RecordLLM(step, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(step, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(step).Observe(durationSeconds)
	}
}
