package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub Metrics
var (
	// HubConnectedAgents tracks the current number of registered agents
	HubConnectedAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_agents",
			Help: "Current number of registered agents",
		},
	)

	// HubRegistrationsTotal tracks total successful registrations
	HubRegistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_registrations_total",
			Help: "Total successful agent registrations",
		},
	)

	// HubUnregistrationsTotal tracks total agent removals
	HubUnregistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_unregistrations_total",
			Help: "Total agent removals",
		},
	)

	// HubSlowAgentsEvicted tracks agents evicted because their outbound queue was full
	HubSlowAgentsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_agents_evicted_total",
			Help: "Total agents evicted due to a full outbound queue",
		},
	)

	// HubBroadcastDuration tracks fan-out duration per broadcast in seconds
	HubBroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_broadcast_duration_seconds",
			Help:    "Fan-out duration per broadcast in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)

	// HubCommandChannelDepth tracks current command channel depth
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current command channel depth",
		},
	)

	// HubStopTimeoutsTotal tracks hub stops that exceeded timeout
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Hub stops that exceeded timeout",
		},
	)

	// HubPanicsTotal tracks hub loop panic recoveries
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_total",
			Help: "Total hub loop panic recoveries",
		},
	)
)

// Agent Metrics
var (
	// AgentMessageSendDuration tracks message write latency in seconds
	AgentMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_message_send_duration_seconds",
			Help:    "WebSocket message write duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// AgentPingFailures tracks failed liveness probes
	AgentPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_ping_failures_total",
			Help: "Total failed ping writes to agents",
		},
	)

	// AgentOversizedMessages tracks connections closed for exceeding the read limit
	AgentOversizedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_oversized_messages_total",
			Help: "Total connections closed for exceeding the message size limit",
		},
	)
)

// Server Metrics
var (
	// UpgradesRejectedTotal tracks rejected WebSocket upgrade attempts by reason
	UpgradesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_upgrades_rejected_total",
			Help: "Rejected WebSocket upgrade attempts by reason",
		},
		[]string{"reason"},
	)
)
