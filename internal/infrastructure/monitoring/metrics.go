// Copyright 2026 Loomgate Authors. All rights reserved.

package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments on a private
// registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	ModelCalls       *prometheus.CounterVec
	ModelTokens      *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	HeartbeatRuns    *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loomgate_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loomgate_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loomgate_model_calls_total",
			Help: "LLM calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ModelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loomgate_model_tokens_total",
			Help: "Tokens consumed by kind.",
		}, []string{"kind"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loomgate_tool_calls_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loomgate_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		HeartbeatRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loomgate_heartbeat_runs_total",
			Help: "Heartbeat runs by outcome.",
		}, []string{"outcome"}),
		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loomgate_provider_failures_total",
			Help: "Provider failures by provider name.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.ModelCalls, m.ModelTokens,
		m.ToolCalls, m.ToolDuration,
		m.HeartbeatRuns, m.ProviderFailures,
	)
	return m
}

// TrackSessions registers a gauge backed by the live session count.
func (m *Metrics) TrackSessions(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loomgate_active_sessions",
		Help: "Number of known sessions.",
	}, func() float64 { return float64(count()) }))
}

// TrackClients registers a gauge backed by the connected client count.
func (m *Metrics) TrackClients(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loomgate_ws_clients",
		Help: "Connected WebSocket clients.",
	}, func() float64 { return float64(count()) }))
}

// TrackTurns registers a gauge backed by the in-flight turn count.
func (m *Metrics) TrackTurns(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loomgate_turns_in_flight",
		Help: "Agent turns currently processing.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware instruments every request with count and latency.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
