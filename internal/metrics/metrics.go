package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkit_connect_attempts_total",
			Help: "Total connection attempts",
		},
		[]string{"outcome"}, // "ok", "auth", "network"
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatkit_reconnects_total",
			Help: "Total automatic reconnect attempts",
		},
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatkit_connection_state",
			Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=error)",
		},
	)

	// Event metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkit_events_received_total",
			Help: "Total server events received",
		},
		[]string{"event"},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkit_events_emitted_total",
			Help: "Total events emitted over the live link",
		},
		[]string{"event"},
	)

	// Message metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkit_messages_sent_total",
			Help: "Total messages sent",
		},
		[]string{"outcome"}, // "confirmed" or "failed"
	)

	// Unread metrics
	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatkit_unread_total",
			Help: "Current unread aggregate across all conversations",
		},
	)

	SnapshotFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkit_snapshot_fetches_total",
			Help: "Total REST snapshot fetches",
		},
		[]string{"outcome"},
	)
)
