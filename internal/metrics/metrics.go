// Package metrics defines the Prometheus collectors for sessions, gateway
// submissions and track events. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicegate"

// Metrics groups every collector the daemon exposes.
type Metrics struct {
	Sessions          prometheus.Gauge
	Handshakes        *prometheus.CounterVec
	Submissions       *prometheus.CounterVec
	TrackEvents       *prometheus.CounterVec
	DroppedDeliveries prometheus.Counter
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guild_sessions",
			Help:      "Voice sessions currently held by the registry.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Voice handshake outcomes.",
		}, []string{"outcome"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_submissions_total",
			Help:      "Outbound voice state updates by shard and result.",
		}, []string{"shard", "result"}),
		TrackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_events_total",
			Help:      "Track lifecycle events raised, by kind.",
		}, []string{"event"}),
		DroppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_errors_dropped_total",
			Help:      "Listener delivery errors dropped because the error channel was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Handshakes, m.Submissions, m.TrackEvents, m.DroppedDeliveries)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.Sessions.Dec()
	}
}

func (m *Metrics) Handshake(outcome string) {
	if m != nil {
		m.Handshakes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Submission(shard, result string) {
	if m != nil {
		m.Submissions.WithLabelValues(shard, result).Inc()
	}
}

func (m *Metrics) TrackEvent(event string) {
	if m != nil {
		m.TrackEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) DeliveryDropped() {
	if m != nil {
		m.DroppedDeliveries.Inc()
	}
}
