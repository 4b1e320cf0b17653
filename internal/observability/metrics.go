package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects application metrics via Prometheus.
//
// Tracks operation throughput, LLM latency and token spend, tool execution
// patterns, embedding batch efficiency, and recall latency.
type Metrics struct {
	// OperationCounter counts operations by kind and terminal status.
	// Labels: kind, status (completed|failed|cancelled)
	OperationCounter *prometheus.CounterVec

	// OperationDuration measures full operation wall time in seconds.
	// Labels: kind
	OperationDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM streaming call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|reasoning)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// EmbeddingBatchCounter counts upstream embedding calls.
	// Labels: status (success|error)
	EmbeddingBatchCounter *prometheus.CounterVec

	// EmbeddingBatchSize observes texts per upstream call.
	EmbeddingBatchSize prometheus.Histogram

	// RecallDuration measures recall context assembly latency in seconds.
	RecallDuration prometheus.Histogram

	// MessagesSaved counts messages persisted by role and embedded flag.
	// Labels: role, embedded (true|false)
	MessagesSaved *prometheus.CounterVec

	// ActiveConnections is the current websocket client count.
	ActiveConnections prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers against a caller-supplied registry,
// which keeps parallel tests from colliding on the default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(reg)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_operations_total",
			Help: "Operations by kind and terminal status.",
		}, []string{"kind", "status"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mira_operation_duration_seconds",
			Help:    "Full operation wall time.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mira_llm_request_duration_seconds",
			Help:    "LLM streaming call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_llm_tokens_total",
			Help: "Token consumption by type.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_tool_executions_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mira_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		EmbeddingBatchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_embedding_batches_total",
			Help: "Upstream embedding calls by outcome.",
		}, []string{"status"}),
		EmbeddingBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mira_embedding_batch_size",
			Help:    "Texts per upstream embedding call.",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		RecallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mira_recall_duration_seconds",
			Help:    "Recall context assembly latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		MessagesSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_messages_saved_total",
			Help: "Messages persisted by role and embedded flag.",
		}, []string{"role", "embedded"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mira_active_connections",
			Help: "Current websocket client count.",
		}),
	}
}
