// Package observability holds the Prometheus instrumentation shared by the
// gateway, channel hub, and tool pipeline. All metrics register with the
// default registry and are served from the gateway's /metrics endpoint.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the process-wide collectors. Construct it once at startup
// and hand it to each subsystem.
type Metrics struct {
	// MessagesTotal tracks normalized messages by channel and direction
	// (inbound|outbound).
	MessagesTotal *prometheus.CounterVec

	// DeliveryFailures counts outbound sends that failed after the run
	// completed, by channel.
	DeliveryFailures *prometheus.CounterVec

	// RunsTotal counts agent runs by terminal status (ok|failed|cancelled).
	RunsTotal *prometheus.CounterVec

	// TokensTotal tracks LLM token consumption by model and type
	// (input|output).
	TokensTotal *prometheus.CounterVec

	// ToolExecutions counts tool invocations by tool and status (ok|error).
	ToolExecutions *prometheus.CounterVec

	// Connections gauges the current WebSocket client count.
	Connections prometheus.Gauge

	// FramesTotal counts gateway frames by kind (req|res|event).
	FramesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with the default registry.
// Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw_messages_total",
				Help: "Normalized messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		DeliveryFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw_delivery_failures_total",
				Help: "Outbound deliveries that failed by channel",
			},
			[]string{"channel"},
		),
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw_agent_runs_total",
				Help: "Agent runs by terminal status",
			},
			[]string{"status"},
		),
		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw_llm_tokens_total",
				Help: "LLM tokens consumed by model and type",
			},
			[]string{"model", "type"},
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw_tool_executions_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool", "status"},
		),
		Connections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "claw_gateway_connections",
				Help: "Currently connected WebSocket clients",
			},
		),
		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claw_gateway_frames_total",
				Help: "Gateway frames by kind",
			},
			[]string{"kind"},
		),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the lazily constructed process-wide Metrics. Collectors
// may only register once per registry, so everything that does not receive
// an explicit Metrics shares this one.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// RecordTool records one tool execution outcome.
func (m *Metrics) RecordTool(tool string, isError bool) {
	status := "ok"
	if isError {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}
