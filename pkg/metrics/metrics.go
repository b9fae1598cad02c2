// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TurnsTotal tracks completed turns by terminal outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Total conversation turns by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// TurnDuration tracks whole-turn duration including tool iterations.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turn_duration_seconds",
			Help:    "Whole-turn duration including tool-loop iterations",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		},
		[]string{"provider"},
	)

	// ProviderCallsTotal tracks provider invocations by outcome kind.
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Total provider invocations by error kind (or ok)",
		},
		[]string{"provider", "kind"},
	)

	// ProviderTokensTotal tracks tokens processed per provider.
	ProviderTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_tokens_total",
			Help: "Total provider tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// ContextMessagesDropped tracks messages trimmed out of the context window.
	ContextMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_messages_dropped_total",
			Help: "Messages dropped by the context window builder",
		},
		[]string{"provider"},
	)

	// ToolExecutionsTotal tracks tool invocations by outcome.
	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_executions_total",
			Help: "Total tool executions by outcome",
		},
		[]string{"tool", "outcome"},
	)

	// ToolLoopIterations observes iterations used per turn.
	ToolLoopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tool_loop_iterations",
			Help:    "Tool-loop iterations consumed per turn",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 10},
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"tenant_id", "role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordProviderCall records a provider invocation outcome and token usage.
func RecordProviderCall(provider, kind string, tokensIn, tokensOut int) {
	ProviderCallsTotal.WithLabelValues(provider, kind).Inc()
	ProviderTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	ProviderTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordTurn records a completed turn.
func RecordTurn(provider, outcome string, duration float64, iterations int) {
	TurnsTotal.WithLabelValues(provider, outcome).Inc()
	TurnDuration.WithLabelValues(provider).Observe(duration)
	ToolLoopIterations.Observe(float64(iterations))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
