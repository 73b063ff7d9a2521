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
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamDuration tracks model streaming response duration by outcome.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "Model streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "outcome"},
	)

	// TokensTotal tracks estimated tokens processed per model.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Estimated tokens processed",
		},
		[]string{"model", "direction"},
	)

	// TrimmedMessages tracks messages removed by context-window trimming.
	TrimmedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_trimmed_messages_total",
			Help: "Messages removed by context-window trimming",
		},
		[]string{"model", "strategy"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks finalized messages by role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total finalized messages",
		},
		[]string{"role"},
	)

	// MemoryStoreTotal tracks long-term memory store outcomes.
	MemoryStoreTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_store_total",
			Help: "Long-term memory store attempts by result",
		},
		[]string{"result"},
	)

	// WebhookDeliveriesTotal tracks webhook delivery attempts.
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records metrics for a model streaming session.
func RecordStream(model, outcome string, seconds float64, tokensIn, tokensOut int) {
	StreamDuration.WithLabelValues(model, outcome).Observe(seconds)
	TokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	TokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordTrim records messages removed by the context budgeter.
func RecordTrim(model, strategy string, removed int) {
	if removed > 0 {
		TrimmedMessages.WithLabelValues(model, strategy).Add(float64(removed))
	}
}
