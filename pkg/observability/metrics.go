package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation lifecycle metrics
	operationsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentops_operations_started_total",
			Help: "Total number of operations started",
		},
		[]string{"type"},
	)

	operationsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentops_operations_finished_total",
			Help: "Total number of operations that reached a terminal status",
		},
		[]string{"type", "status"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentops_operation_duration_seconds",
			Help:    "Operation duration from start to terminal status in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	operationsGCRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentops_operations_gc_removed_total",
			Help: "Total number of terminal operations removed by garbage collection",
		},
	)

	operationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentops_operations_active",
			Help: "Number of operations that are not terminal",
		},
	)

	// Orchestration metrics
	orchestrationRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentops_orchestration_rounds_total",
			Help: "Total number of supervisor decisions executed",
		},
		[]string{"decision"},
	)

	orchestrationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentops_orchestration_runs_total",
			Help: "Total number of orchestration loops by exit status",
		},
		[]string{"status"},
	)

	// Agent turn metrics
	agentTurnEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentops_agent_turn_events_total",
			Help: "Total number of stream events handled by agent turns",
		},
		[]string{"event"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentops_tool_calls_total",
			Help: "Total number of client tool calls",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentops_tool_call_duration_seconds",
			Help:    "Client tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// System metrics
	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentops_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentops_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			operationsStartedTotal,
			operationsFinishedTotal,
			operationDuration,
			operationsGCRemovedTotal,
			operationsActive,
			orchestrationRoundsTotal,
			orchestrationRunsTotal,
			agentTurnEventsTotal,
			toolCallsTotal,
			toolCallDuration,
			goroutines,
			memoryUsage,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordOperationStarted counts a started operation
func RecordOperationStarted(opType string) {
	operationsStartedTotal.WithLabelValues(opType).Inc()
	operationsActive.Inc()
}

// RecordOperationFinished records an operation reaching a terminal status
func RecordOperationFinished(opType, status string, duration time.Duration) {
	operationsFinishedTotal.WithLabelValues(opType, status).Inc()
	operationDuration.WithLabelValues(opType).Observe(duration.Seconds())
	operationsActive.Dec()
}

// RecordOperationsRemoved counts operations dropped by garbage collection
func RecordOperationsRemoved(n int) {
	operationsGCRemovedTotal.Add(float64(n))
}

// RecordOrchestrationRound counts one executed supervisor decision
func RecordOrchestrationRound(decision string) {
	orchestrationRoundsTotal.WithLabelValues(decision).Inc()
}

// RecordOrchestrationRun counts a finished orchestration loop
func RecordOrchestrationRun(status string) {
	orchestrationRunsTotal.WithLabelValues(status).Inc()
}

// RecordAgentTurnEvent counts one handled stream event
func RecordAgentTurnEvent(event string) {
	agentTurnEventsTotal.WithLabelValues(event).Inc()
}

// RecordToolCall records client tool call metrics
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}

// SetMemoryUsage sets the memory usage gauge
func SetMemoryUsage(bytes uint64) {
	memoryUsage.Set(float64(bytes))
}
