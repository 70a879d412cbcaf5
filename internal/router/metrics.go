package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks relay activity. All methods tolerate a nil receiver so
// components can run unobserved in tests.
type Metrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	deliveries     *prometheus.CounterVec
	undelivered    *prometheus.CounterVec
	recipientDrops prometheus.Counter
	presenceBursts prometheus.Counter
	frameErrors    *prometheus.CounterVec
	frameLatency   *prometheus.HistogramVec
}

// NewMetrics registers the relay metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Current number of live sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Total sessions handled since start.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Messages handed to recipient queues, by addressing mode.",
		}, []string{"mode"}),
		undelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_undelivered_total",
			Help: "Sends whose resolved target set was empty, by addressing mode.",
		}, []string{"mode"}),
		recipientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_recipient_drops_total",
			Help: "Recipients skipped because their outbound queue rejected a frame.",
		}),
		presenceBursts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_presence_broadcasts_total",
			Help: "Presence delta broadcasts emitted.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frame_errors_total",
			Help: "Frame validation or routing errors, by code.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.deliveries,
		m.undelivered,
		m.recipientDrops,
		m.presenceBursts,
		m.frameErrors,
		m.frameLatency,
	)
	return m
}

// IncSession records a new live session.
func (m *Metrics) IncSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

// DecSession records a session ending.
func (m *Metrics) DecSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// RecordPresenceBroadcast counts one presence delta fan-out.
func (m *Metrics) RecordPresenceBroadcast() {
	if m == nil {
		return
	}
	m.presenceBursts.Inc()
}

// RecordError counts a frame-level error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

// ObserveLatency records frame-handling latency for an op.
func (m *Metrics) ObserveLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *Metrics) recordDelivery(mode string, n int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) recordUndelivered(mode string) {
	if m == nil {
		return
	}
	m.undelivered.WithLabelValues(mode).Inc()
}

func (m *Metrics) recordDrop() {
	if m == nil {
		return
	}
	m.recipientDrops.Inc()
}
