package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session side
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_reconnect_attempts_total",
			Help: "Automatic hub reconnect attempts",
		},
		[]string{"result"}, // "ok" or "failed"
	)

	InvocationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_invocation_failures_total",
			Help: "Hub method invocations that failed",
		},
		[]string{"method"},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_dropped_events_total",
			Help: "Hub events dropped because their shape was invalid",
		},
	)

	CalendarPollFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_calendar_poll_failures_total",
			Help: "Calendar free/busy batches that failed",
		},
	)

	// Hub side
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_hub_connected_clients",
			Help: "Websocket clients currently registered with the hub",
		},
	)

	HubInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_hub_invocations_total",
			Help: "Invocations handled by the hub",
		},
		[]string{"method", "status"},
	)

	HubMessagesRouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_hub_messages_routed_total",
			Help: "Chat messages routed between users",
		},
	)
)
