// Package metrics defines the Prometheus instruments shared across the
// service. All metrics use the rebrowse_ prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session streaming metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebrowse_events_processed_total",
			Help: "Total number of rrweb events accepted and sequenced",
		},
		[]string{"phase"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebrowse_events_dropped_total",
			Help: "Total number of rrweb events dropped before broadcast",
		},
		[]string{"reason"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebrowse_active_sessions",
			Help: "Number of session streamers currently registered",
		},
	)

	SessionsRetired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebrowse_sessions_retired_total",
			Help: "Total number of session streamers removed",
		},
		[]string{"reason"},
	)

	// WebSocket fan-out metrics
	ConnectedClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebrowse_connected_clients",
			Help: "Currently connected WebSocket clients per endpoint",
		},
		[]string{"endpoint"},
	)

	OutboundQueueDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebrowse_outbound_queue_drops_total",
			Help: "Frames dropped from per-client outbound queues on overflow",
		},
		[]string{"endpoint"},
	)

	// Log hub metrics
	LogPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebrowse_log_publishes_total",
			Help: "Log frames published through the log hub",
		},
	)

	PeerMessagesIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebrowse_peer_messages_in_total",
			Help: "Log frames received from the peer channel",
		},
	)

	PeerMessagesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebrowse_peer_messages_out_total",
			Help: "Log frames published to the peer channel",
		},
	)

	// Run events metrics
	RunEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebrowse_run_events_emitted_total",
			Help: "Run and step events emitted by the run events hub",
		},
		[]string{"type"},
	)

	RunSubscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebrowse_run_subscriber_drops_total",
			Help: "Run events dropped because a subscriber channel was full",
		},
	)

	// Recorder metrics
	InjectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebrowse_injection_attempts_total",
			Help: "Recording agent injection attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// Termination metrics
	Terminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebrowse_terminations_total",
			Help: "Execution terminations by mode",
		},
		[]string{"mode"},
	)

	// Circuit breaker state per protected collaborator:
	// 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebrowse_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)
