package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chemchat_realtime_connections",
		Help: "Currently open websocket sessions.",
	})

	broadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chemchat_realtime_broadcast_dropped_total",
		Help: "Envelopes dropped because a member send queue was full.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chemchat_realtime_events_total",
		Help: "Client envelopes processed by the gateway, by type and outcome.",
	}, []string{"type", "outcome"})
)
