package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks the observable state of the consensus engine: round and
// epoch progression, tree growth and finalization, certificate formation,
// and catch-up traffic.
type Metrics struct {
	// Round/epoch progression.
	ConsensusRound         prometheus.Gauge
	ConsensusEpoch         prometheus.Gauge
	RoundsTimedOut         prometheus.Counter
	TimeoutDurationSeconds prometheus.Gauge

	// Block tree.
	ConsensusHeight          prometheus.Gauge
	ConsensusFinalizedHeight prometheus.Gauge
	ConsensusFinalizedRound  prometheus.Gauge
	BlocksFinalized          prometheus.Counter
	BlocksDead               prometheus.Counter
	BlocksPending            prometheus.Gauge

	// Vote aggregation.
	QuorumMessagesReceived  prometheus.Counter
	TimeoutMessagesReceived prometheus.Counter
	QCsFormed               prometheus.Counter
	TCsFormed               prometheus.Counter
	DoubleSignsFlagged      prometheus.Counter

	// Catch-up.
	CatchupRequestsServed prometheus.Counter
	CatchupBlocksStreamed prometheus.Counter

	// Persistence.
	RoundStatusPersists prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates metrics under the given namespace and registers them,
// together with the Go and process collectors, on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return newMetrics(namespace, reg)
}

// NopMetrics returns metrics that record into an unexported registry nobody
// scrapes. Every field is live, so callers never need nil checks.
func NopMetrics() *Metrics {
	return newMetrics("nop", prometheus.NewRegistry())
}

func newMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
		reg.MustRegister(g)
		return g
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		registry: reg,

		ConsensusRound:         gauge("consensus", "round", "Current consensus round."),
		ConsensusEpoch:         gauge("consensus", "epoch", "Current consensus epoch."),
		RoundsTimedOut:         counter("consensus", "rounds_timed_out_total", "Rounds abandoned by the local round timer."),
		TimeoutDurationSeconds: gauge("consensus", "timeout_duration_seconds", "Current round timeout duration."),

		ConsensusHeight:          gauge("tree", "height", "Height of the highest alive block."),
		ConsensusFinalizedHeight: gauge("tree", "finalized_height", "Height of the last finalized block."),
		ConsensusFinalizedRound:  gauge("tree", "finalized_round", "Round of the last finalized block."),
		BlocksFinalized:          counter("tree", "blocks_finalized_total", "Blocks moved to the finalized state."),
		BlocksDead:               counter("tree", "blocks_dead_total", "Blocks marked dead (invalid or pruned)."),
		BlocksPending:            gauge("tree", "blocks_pending", "Blocks waiting on an unknown parent."),

		QuorumMessagesReceived:  counter("votes", "quorum_messages_received_total", "Quorum messages accepted into the current-round pool."),
		TimeoutMessagesReceived: counter("votes", "timeout_messages_received_total", "Timeout messages accepted into the two-epoch window."),
		QCsFormed:               counter("votes", "qcs_formed_total", "Quorum certificates assembled locally."),
		TCsFormed:               counter("votes", "tcs_formed_total", "Timeout certificates assembled locally."),
		DoubleSignsFlagged:      counter("votes", "double_signs_flagged_total", "Double-signing evidence handed to the flagging subsystem."),

		CatchupRequestsServed: counter("catchup", "requests_served_total", "Catch-up requests answered with a block stream."),
		CatchupBlocksStreamed: counter("catchup", "blocks_streamed_total", "Blocks streamed to catching-up peers."),

		RoundStatusPersists: counter("storage", "round_status_persists_total", "Synchronous round-status writes."),
	}
}

// Registry returns the Prometheus registry backing this metrics instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsServer serves the registry over HTTP for scraping.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

func NewMetricsServer(addr string, metrics *Metrics, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves until Stop is called; http.ErrServerClosed is not an error.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("metrics server starting", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ms *MetricsServer) Stop() error {
	return ms.server.Close()
}
