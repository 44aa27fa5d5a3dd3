// Package observability carries runtime telemetry: prometheus metrics
// and OpenTelemetry tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for turn, provider, tool, job,
// and HTTP activity.
type Metrics struct {
	// TurnCounter counts chat turns.
	// Labels: mode (stream|headless), status (ok|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	// Labels: mode
	TurnDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider completions.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider completion latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// JobRunCounter counts scheduled job executions.
	// Labels: schedule_type (once|recurring), status (ok|error)
	JobRunCounter *prometheus.CounterVec

	// JobRunDuration measures job execution time in seconds.
	// Labels: schedule_type
	JobRunDuration *prometheus.HistogramVec

	// DroppedFrames counts SSE content frames dropped under backpressure.
	DroppedFrames prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves the collectors unregistered, which keeps parallel
// tests from colliding on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "troupe_turns_total",
				Help: "Total number of chat turns by mode and status",
			},
			[]string{"mode", "status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "troupe_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "troupe_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "troupe_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "troupe_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "troupe_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "troupe_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "troupe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "troupe_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		JobRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "troupe_job_runs_total",
				Help: "Total number of scheduled job executions by type and status",
			},
			[]string{"schedule_type", "status"},
		),

		JobRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "troupe_job_run_duration_seconds",
				Help:    "Duration of scheduled job executions in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"schedule_type"},
		),

		DroppedFrames: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "troupe_sse_frames_dropped_total",
				Help: "Total number of SSE content frames dropped under backpressure",
			},
		),
	}
}

// RecordTurn records one completed chat turn.
func (m *Metrics) RecordTurn(mode, status string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(mode, status).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordLLMRequest records one provider completion.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordJobRun records one scheduled job execution.
func (m *Metrics) RecordJobRun(scheduleType, status string, durationSeconds float64) {
	m.JobRunCounter.WithLabelValues(scheduleType, status).Inc()
	m.JobRunDuration.WithLabelValues(scheduleType).Observe(durationSeconds)
}

// FrameDropped counts one dropped SSE content frame.
func (m *Metrics) FrameDropped() {
	m.DroppedFrames.Inc()
}
