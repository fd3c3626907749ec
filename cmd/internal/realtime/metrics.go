package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessions prometheus.Gauge
	rooms    prometheus.Gauge
	dropped  prometheus.Counter
	rejected *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "happyinline",
			Subsystem: "ws",
			Name:      "sessions_active",
			Help:      "Open websocket sessions.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "happyinline",
			Subsystem: "ws",
			Name:      "rooms_active",
			Help:      "Conversations with at least one joined session.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "happyinline",
			Subsystem: "ws",
			Name:      "frames_dropped_total",
			Help:      "Frames not queued because a session's send queue was full.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "happyinline",
			Subsystem: "ws",
			Name:      "upgrades_rejected_total",
			Help:      "Upgrade requests rejected before the handshake, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) upgradeRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}
