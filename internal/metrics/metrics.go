package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client send pipeline
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kronos_messages_sent_total",
			Help: "Messages handed to the send pipeline",
		},
		[]string{"destination"}, // "channel" or "direct"
	)

	SendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kronos_send_outcomes_total",
			Help: "Terminal states reached by optimistic sends",
		},
		[]string{"outcome"}, // confirmed, timeout, rejected, reconciled
	)

	AckLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kronos_send_ack_latency_seconds",
			Help:    "Time from send_message emit to its acknowledgement",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3},
		},
	)

	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kronos_upload_attempts_total",
			Help: "Attachment upload attempts",
		},
		[]string{"result"}, // "ok" or "error"
	)

	// Transport
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kronos_transport_reconnects_total",
			Help: "Successful websocket reconnects",
		},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kronos_transport_frames_dropped_total",
			Help: "Inbound frames that failed to parse or decode",
		},
	)

	// Battleship
	ShotsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kronos_battleship_shots_total",
			Help: "Shots emitted by the local player",
		},
	)

	// Relay
	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kronos_relay_events_total",
			Help: "Client events handled by the relay",
		},
		[]string{"event", "result"},
	)

	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kronos_relay_connections",
			Help: "Open websocket connections on this relay instance",
		},
	)

	RelayGames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kronos_relay_games",
			Help: "Battleship matches held by this relay instance",
		},
	)
)
