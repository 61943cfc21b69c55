// Package metrics exposes orchestrator Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's collectors.
type Metrics struct {
	registry *prometheus.Registry

	AgentSessions     prometheus.Gauge
	DashboardClients  prometheus.Gauge
	HandshakeFailures prometheus.Counter
	CommandsSigned    *prometheus.CounterVec
	CommandsRefused   *prometheus.CounterVec
	FramesRouted      *prometheus.CounterVec
	DeployTriggers    prometheus.Counter
}

// New creates a registry with the orchestrator collectors plus the standard
// process and Go collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		AgentSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_agent_sessions",
			Help: "Number of authorized agent sessions.",
		}),
		DashboardClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_dashboard_clients",
			Help: "Number of connected dashboard clients.",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bastion_handshake_failures_total",
			Help: "Agent handshakes that failed authentication.",
		}),
		CommandsSigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_commands_signed_total",
			Help: "Signed commands dispatched to agents, by frame type.",
		}, []string{"type"}),
		CommandsRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_commands_refused_total",
			Help: "Command intents refused before signing, by reason.",
		}, []string{"reason"}),
		FramesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_agent_frames_routed_total",
			Help: "Agent frames fanned out to dashboards, by frame type.",
		}, []string{"type"}),
		DeployTriggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "bastion_deploy_triggers_total",
			Help: "Deployments triggered via webhook or dashboard intent.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
