// Package observability holds the Prometheus metrics and tracing helpers
// shared by the chat pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application metrics on a private registry.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// TurnCounter counts finished turns.
	// Labels: outcome (done|error|disconnected)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ModelCallCounter counts model invocations.
	// Labels: agent, status (success|error)
	ModelCallCounter *prometheus.CounterVec

	// ModelCallDuration measures model streaming time in seconds.
	// Labels: agent
	ModelCallDuration *prometheus.HistogramVec

	// ToolCallCounter counts tool invocations.
	// Labels: tool, status (success|error|unknown)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// QueryCounter counts SQL queries.
	// Labels: outcome (ok|error|rejected)
	QueryCounter *prometheus.CounterVec

	// QueryDuration measures SQL latency in seconds.
	QueryDuration prometheus.Histogram

	// ActiveSessions tracks open chat connections.
	ActiveSessions prometheus.Gauge

	// RateLimited counts messages dropped by the per-user limiter.
	RateLimited prometheus.Counter
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlsight_turns_total",
			Help: "Chat turns by terminal outcome",
		}, []string{"outcome"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlsight_turn_duration_seconds",
			Help:    "Duration of chat turns in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		ModelCallCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlsight_model_calls_total",
			Help: "Model invocations by agent and status",
		}, []string{"agent", "status"}),
		ModelCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlsight_model_call_duration_seconds",
			Help:    "Duration of streamed model calls in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent"}),
		ToolCallCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlsight_tool_calls_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlsight_tool_call_duration_seconds",
			Help:    "Duration of tool invocations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		QueryCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlsight_queries_total",
			Help: "SQL queries by outcome",
		}, []string{"outcome"}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlsight_query_duration_seconds",
			Help:    "Duration of SQL queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "sqlsight_active_sessions",
			Help: "Open chat connections",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "sqlsight_rate_limited_messages_total",
			Help: "Chat messages rejected by the rate limiter",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// RecordModelCall records one model invocation.
func (m *Metrics) RecordModelCall(agent, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelCallCounter.WithLabelValues(agent, status).Inc()
	m.ModelCallDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveQuery implements query.Observer.
func (m *Metrics) ObserveQuery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryCounter.WithLabelValues(outcome).Inc()
	m.QueryDuration.Observe(d.Seconds())
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// MessageRateLimited counts a dropped message.
func (m *Metrics) MessageRateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}
