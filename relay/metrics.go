package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pool's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	frames            *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	passesInUse       *prometheus.GaugeVec
	pendingBroadcasts *prometheus.GaugeVec
	subscriptions     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "relay_frames_total",
			Help:      "Frames received from relays, by relay and frame type.",
		}, []string{"relay", "type"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "relay_decode_errors_total",
			Help:      "Relay frames that could not be decoded.",
		}, []string{"relay"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "relay_reconnects_total",
			Help:      "Reconnect attempts per relay.",
		}, []string{"relay"}),
		passesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "relay_passes_in_use",
			Help:      "Wire subscriptions currently held on each relay.",
		}, []string{"relay"}),
		pendingBroadcasts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "relay_pending_broadcasts",
			Help:      "EVENT messages waiting for a relay to open.",
		}, []string{"relay"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "subscriptions",
			Help:      "Live logical subscriptions in the pool.",
		}),
	}
	reg.MustRegister(m.frames, m.decodeErrors, m.reconnects, m.passesInUse, m.pendingBroadcasts, m.subscriptions)
	return m
}

func (m *Metrics) frame(relay, kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(relay, kind).Inc()
}

func (m *Metrics) decodeError(relay string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(relay).Inc()
}

func (m *Metrics) reconnect(relay string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(relay).Inc()
}

func (m *Metrics) setPasses(relay string, n int) {
	if m == nil {
		return
	}
	m.passesInUse.WithLabelValues(relay).Set(float64(n))
}

func (m *Metrics) setPendingBroadcasts(relay string, n int) {
	if m == nil {
		return
	}
	m.pendingBroadcasts.WithLabelValues(relay).Set(float64(n))
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
