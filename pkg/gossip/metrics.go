package gossip

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all murmur Prometheus metrics.
// Uses an isolated prometheus.Registry so murmur metrics don't collide
// with the global default registry. Each test gets its own Metrics
// instance. All gossiper metrics hooks are nil-safe: a nil *Metrics
// disables collection.
type Metrics struct {
	Registry *prometheus.Registry

	// Datagram traffic, labelled by message type.
	DatagramsReceivedTotal *prometheus.CounterVec
	DatagramsSentTotal     *prometheus.CounterVec

	// Datagrams discarded, labelled by reason ("malformed",
	// "unknown-type", "send-error").
	DatagramsDroppedTotal *prometheus.CounterVec

	// Reconciliation work.
	GossipRoundsTotal  prometheus.Counter
	DeltasAppliedTotal prometheus.Counter

	// Membership view.
	KnownPeers           prometheus.Gauge
	LivePeers            prometheus.Gauge
	PeerTransitionsTotal *prometheus.CounterVec

	// mDNS discovery.
	MDNSDiscoveredTotal prometheus.Counter

	// Build info.
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered
// on an isolated registry. The version and goVersion are recorded as
// labels on the murmur_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		DatagramsReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_datagrams_received_total",
				Help: "Total gossip datagrams received, by message type.",
			},
			[]string{"type"},
		),
		DatagramsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_datagrams_sent_total",
				Help: "Total gossip datagrams sent, by message type.",
			},
			[]string{"type"},
		),
		DatagramsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_datagrams_dropped_total",
				Help: "Total datagrams discarded without processing.",
			},
			[]string{"reason"},
		),

		GossipRoundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "murmur_gossip_rounds_total",
				Help: "Total gossip rounds initiated by the local node.",
			},
		),
		DeltasAppliedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "murmur_deltas_applied_total",
				Help: "Total attribute deltas accepted into the peer table.",
			},
		),

		KnownPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "murmur_known_peers",
				Help: "Number of peers in the table, excluding self.",
			},
		),
		LivePeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "murmur_live_peers",
				Help: "Number of peers currently considered alive.",
			},
		),
		PeerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_peer_transitions_total",
				Help: "Total peer liveness transitions.",
			},
			[]string{"to"},
		),

		MDNSDiscoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "murmur_mdns_discovered_total",
				Help: "Total peer endpoints discovered via mDNS.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "murmur_info",
				Help: "Build information.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.DatagramsReceivedTotal,
		m.DatagramsSentTotal,
		m.DatagramsDroppedTotal,
		m.GossipRoundsTotal,
		m.DeltasAppliedTotal,
		m.KnownPeers,
		m.LivePeers,
		m.PeerTransitionsTotal,
		m.MDNSDiscoveredTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recvDatagram(msgType string) {
	if m != nil {
		m.DatagramsReceivedTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) sentDatagram(msgType string) {
	if m != nil {
		m.DatagramsSentTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) droppedDatagram(reason string) {
	if m != nil {
		m.DatagramsDroppedTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) gossipRound() {
	if m != nil {
		m.GossipRoundsTotal.Inc()
	}
}

func (m *Metrics) deltasApplied(n int) {
	if m != nil {
		m.DeltasAppliedTotal.Add(float64(n))
	}
}

func (m *Metrics) setPeerCounts(known, live int) {
	if m != nil {
		m.KnownPeers.Set(float64(known))
		m.LivePeers.Set(float64(live))
	}
}

func (m *Metrics) peerTransition(to string) {
	if m != nil {
		m.PeerTransitionsTotal.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) mdnsDiscovered() {
	if m != nil {
		m.MDNSDiscoveredTotal.Inc()
	}
}
