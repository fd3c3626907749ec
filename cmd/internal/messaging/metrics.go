package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors for the feed and the send path.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	subscriptions  prometheus.Gauge
	fetches        *prometheus.CounterVec
	fetchSeconds   *prometheus.HistogramVec
	delivered      prometheus.Counter
	dropped        prometheus.Counter
	sent           prometheus.Counter
	notifyFailures *prometheus.CounterVec
}

// NewMetrics registers the messaging collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "happyinline",
			Subsystem: "feed",
			Name:      "subscriptions_active",
			Help:      "Number of live polling subscriptions.",
		}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "happyinline",
			Subsystem: "feed",
			Name:      "fetches_total",
			Help:      "Fetches issued by polling subscriptions, by kind and result.",
		}, []string{"kind", "result"}),
		fetchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "happyinline",
			Subsystem: "feed",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of feed fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "happyinline",
			Subsystem: "feed",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to subscription handlers.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "happyinline",
			Subsystem: "feed",
			Name:      "results_dropped_total",
			Help:      "Fetch results discarded because the subscription was cancelled.",
		}),
		sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "happyinline",
			Subsystem: "send",
			Name:      "messages_total",
			Help:      "Messages persisted through the send path.",
		}),
		notifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "happyinline",
			Subsystem: "send",
			Name:      "notify_failures_total",
			Help:      "Notification dispatches that failed, by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) subscriptionStarted() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) subscriptionStopped() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) fetch(kind string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(kind, result).Inc()
	m.fetchSeconds.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) deliver() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) notifyFailed(stage string) {
	if m != nil {
		m.notifyFailures.WithLabelValues(stage).Inc()
	}
}
