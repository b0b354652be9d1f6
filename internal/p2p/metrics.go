package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the transport-level Prometheus series: connectivity
// gauges plus per-type message counters.
type Metrics struct {
	PeersConnected   prometheus.Gauge
	PeersBanned      prometheus.Gauge
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	CatchupStreams   prometheus.Counter
}

// NewMetrics creates the P2P metric set, registering it when registerer is
// non-nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "konsensus",
			Subsystem: "p2p",
			Name:      "peers_connected",
			Help:      "Number of currently connected peers.",
		}),
		PeersBanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "konsensus",
			Subsystem: "p2p",
			Name:      "peers_banned",
			Help:      "Number of currently banned peers.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "konsensus",
			Subsystem: "p2p",
			Name:      "messages_received_total",
			Help:      "Messages received, by type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "konsensus",
			Subsystem: "p2p",
			Name:      "messages_sent_total",
			Help:      "Messages sent, by type.",
		}, []string{"type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "konsensus",
			Subsystem: "p2p",
			Name:      "messages_rejected_total",
			Help:      "Messages rejected before reaching the engine, by reason.",
		}, []string{"reason"}),
		CatchupStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "konsensus",
			Subsystem: "p2p",
			Name:      "catchup_streams_total",
			Help:      "Catch-up streams served to peers.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.PeersConnected,
			m.PeersBanned,
			m.MessagesReceived,
			m.MessagesSent,
			m.MessagesRejected,
			m.CatchupStreams,
		)
	}
	return m
}

// NopMetrics returns an unregistered metric set for tests.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
