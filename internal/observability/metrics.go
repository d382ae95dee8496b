package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects orchestrator-level Prometheus metrics.
type Metrics struct {
	// TaskCounter counts tasks by terminal status.
	// Labels: status (completed|failed)
	TaskCounter *prometheus.CounterVec

	// TaskDuration measures task wall time in seconds.
	// Labels: task_type
	TaskDuration *prometheus.HistogramVec

	// LLMRequestDuration measures backend call latency in seconds.
	// Labels: backend, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: backend, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// BackendHealth reports backend health as a gauge (1 healthy or unknown, 0 otherwise).
	// Labels: backend
	BackendHealth *prometheus.GaugeVec

	// BackendActiveRequests tracks in-flight requests per backend.
	// Labels: backend
	BackendActiveRequests *prometheus.GaugeVec

	// QueueDepth tracks the number of ready tasks.
	QueueDepth prometheus.Gauge
}

// NewMetrics registers and returns the orchestrator metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_total",
			Help: "Tasks by terminal status.",
		}, []string{"status"}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Task wall time by detected task type.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"task_type"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_llm_request_duration_seconds",
			Help:    "Backend chat call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"backend", "model"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_llm_tokens_total",
			Help: "Token consumption by backend and model.",
		}, []string{"backend", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tool_executions_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool_name", "status"}),

		BackendHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_backend_healthy",
			Help: "Backend health (1 healthy or unknown, 0 otherwise).",
		}, []string{"backend"}),

		BackendActiveRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_backend_active_requests",
			Help: "In-flight requests per backend.",
		}, []string{"backend"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Tasks ready to run.",
		}),
	}
}
