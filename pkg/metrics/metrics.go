package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent tracks outbound throughput by operation and entity
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termsync_messages_sent_total",
		Help: "Total sync messages transmitted by this terminal",
	}, []string{"type", "entity"})

	// MessagesReceived tracks inbound throughput by operation and entity
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termsync_messages_received_total",
		Help: "Total sync messages received and applied from other terminals",
	}, []string{"type", "entity"})

	// MessagesDiscarded counts inbound frames dropped before dispatch
	// Reasons: malformed, invalid_schema, self_echo
	MessagesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termsync_messages_discarded_total",
		Help: "Total inbound frames discarded without dispatch",
	}, []string{"reason"})

	// Conflicts counts remote updates routed to manual resolution
	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termsync_conflicts_total",
		Help: "Total remote updates surfaced to a human for manual resolution",
	}, []string{"entity"})

	// Reconnections counts how many times the terminal had to restore the link
	// Frequent increments indicate an unstable venue network
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termsync_reconnections_total",
		Help: "Total sync endpoint reconnection attempts",
	})

	// ConnectionStatus provides a binary 0/1 signal for the sync link
	// 1 = Connected, 0 = Disconnected (outbound messages are being queued)
	ConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termsync_connected",
		Help: "Current sync link status (1 for connected, 0 for disconnected)",
	})

	// OutboxDepth tracks the number of messages waiting for reconnection
	// This is the primary indicator of how long the terminal has been offline
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termsync_outbox_depth",
		Help: "Current number of queued messages in the local outbox",
	})

	// OutboxEvictions counts messages dropped because the outbox hit its cap
	// Any increment means data loss and deserves an alert
	OutboxEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termsync_outbox_evictions_total",
		Help: "Total queued messages evicted by the outbox retention cap",
	})

	// FlushDuration measures how long a reconnect drain of the outbox takes
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "termsync_flush_duration_seconds",
		Help:    "Duration of outbox flush after reconnection in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FlushSize tracks the number of messages drained per reconnection
	FlushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "termsync_flush_size",
		Help:    "Number of messages flushed per reconnection",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})
)
