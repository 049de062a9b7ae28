// Package observability provides Prometheus metrics and log handler setup.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LongBuckets covers model turns and sandbox executions, 100ms to 10m.
var LongBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

var (
	// ChatRequestsTotal counts chat requests by persona and final state.
	ChatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_chat_requests_total",
			Help: "Chat requests",
		},
		[]string{"persona", "state"},
	)

	// ChatDuration records the wall time of a chat request.
	ChatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantchat_chat_duration_seconds",
			Help:    "Chat request duration",
			Buckets: LongBuckets,
		},
		[]string{"persona"},
	)

	// ActiveStreams tracks in-flight chat streams.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantchat_streams_active",
			Help: "Active chat streams",
		},
	)

	// ModelStepsTotal counts model steps by provider, model and outcome.
	ModelStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_model_steps_total",
			Help: "Model steps",
		},
		[]string{"provider", "model", "status"},
	)

	// ModelTokensTotal counts tokens reported by the provider.
	ModelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_model_tokens_total",
			Help: "Token count",
		},
		[]string{"provider", "model", "direction"},
	)

	// ToolExecutionsTotal counts tool executions by name and outcome.
	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_tool_executions_total",
			Help: "Tool executions",
		},
		[]string{"tool_name", "status"},
	)

	// SandboxOperationsTotal counts sandbox lifecycle calls.
	SandboxOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_sandbox_operations_total",
			Help: "Sandbox operations",
		},
		[]string{"op", "outcome"},
	)

	// CodeExecutionDuration records sandbox code run time by outcome.
	CodeExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantchat_code_execution_duration_seconds",
			Help:    "Code execution duration",
			Buckets: LongBuckets,
		},
		[]string{"outcome"},
	)

	// SandboxesReapedTotal counts sandboxes removed by the reaper.
	SandboxesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantchat_sandboxes_reaped_total",
			Help: "Sandboxes reaped",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantchat_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ChatRequestsTotal,
		ChatDuration,
		ActiveStreams,
		ModelStepsTotal,
		ModelTokensTotal,
		ToolExecutionsTotal,
		SandboxOperationsTotal,
		CodeExecutionDuration,
		SandboxesReapedTotal,
		RateLimitRejectedTotal,
	)
}

// Outcome maps an error to the "ok"/"error" label used across metrics.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
