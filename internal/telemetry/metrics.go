package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Packet dispatch outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomePanic     = "panic"
	OutcomeUnhandled = "unhandled"
)

// Metrics holds the Prometheus collectors for the signaling runtime.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	packetsTotal     *prometheus.CounterVec
	packetDuration   *prometheus.HistogramVec
	connections      *prometheus.GaugeVec
	onlineUsers      prometheus.Gauge
	peerRecords      *prometheus.GaugeVec
	transferSessions prometheus.Gauge
	fanoutPushes     *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		packetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "packets_total",
			Help:      "Inbound packets dispatched, by packet type and outcome",
		}, []string{"packet", "outcome"}),

		packetDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Name:      "packet_duration_seconds",
			Help:      "Handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"packet"}),

		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "connections",
			Help:      "Live connections by transport",
		}, []string{"transport"}),

		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "online_users",
			Help:      "Users with at least one authenticated connection",
		}),

		peerRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "peer_records",
			Help:      "Peer negotiation records by state",
		}, []string{"state"}),

		transferSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "transfer_sessions",
			Help:      "Tracked transfer sessions",
		}),

		fanoutPushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "fanout_pushes_total",
			Help:      "Packets pushed to user sessions by the presence gateway",
		}, []string{"packet"}),
	}
}

// ObservePacket records one dispatched packet.
func (m *Metrics) ObservePacket(packet, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.packetsTotal.WithLabelValues(packet, outcome).Inc()
	if outcome != OutcomeUnhandled {
		m.packetDuration.WithLabelValues(packet).Observe(d.Seconds())
	}
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Dec()
}

// SetOnlineUsers sets the online user gauge.
func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

// SetPeerStates sets the peer record gauge for each state.
func (m *Metrics) SetPeerStates(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.peerRecords.WithLabelValues(state).Set(float64(n))
	}
}

// SetTransferSessions sets the transfer session gauge.
func (m *Metrics) SetTransferSessions(n int) {
	if m == nil {
		return
	}
	m.transferSessions.Set(float64(n))
}

// AddFanout counts pushes made by the presence gateway.
func (m *Metrics) AddFanout(packet string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.fanoutPushes.WithLabelValues(packet).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
