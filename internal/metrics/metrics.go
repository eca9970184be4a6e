// Package metrics provides Prometheus instrumentation for the messenger
// realtime core. It exposes gauges for connection, presence, and room counts,
// counters for message throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket
	// connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// UsersOnline tracks the number of distinct users with at least one
	// live connection.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_users_online",
		Help: "Current number of distinct online users",
	})

	// RoomsActive tracks the number of chat rooms with at least one member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_rooms_active",
		Help: "Current number of chat rooms with live members",
	})

	// TypingEntries tracks the number of live typing-indicator entries.
	TypingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_typing_entries",
		Help: "Current number of active typing entries",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "sent", "read", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// PersistLatency records message persistence latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SendQueueEvictions counts connections closed because their outbound
	// queue overflowed.
	SendQueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_send_queue_evictions_total",
		Help: "Connections closed due to outbound queue overflow",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		UsersOnline,
		RoomsActive,
		TypingEntries,
		MessagesTotal,
		PersistLatency,
		SendQueueEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
