// Package metrics defines the Prometheus instruments exported at /metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "waypoint"

// Metrics holds the service instruments.
type Metrics struct {
	// LiveConnections is the number of authenticated sessions on this node.
	LiveConnections prometheus.Gauge
	// GuestConnections is the number of channel-only connections on this node.
	GuestConnections prometheus.Gauge
	// EventsTotal counts inbound events. Labels: kind, outcome (ok, invalid, rate_limited, denied, error, panic).
	EventsTotal *prometheus.CounterVec
	// DeliveriesTotal counts frames queued to connections. Labels: scope (conn, users, visible, admins, channel).
	DeliveriesTotal *prometheus.CounterVec
	// DroppedFramesTotal counts frames dropped because a connection's send buffer was full.
	DroppedFramesTotal prometheus.Counter
	// FlushBatch observes the number of users fanned out per position flush.
	FlushBatch prometheus.Histogram
	// PersistFailuresTotal counts failed store writes. Labels: op.
	PersistFailuresTotal *prometheus.CounterVec
	// BridgeMessagesTotal counts bridge traffic. Labels: direction (out, in), type (deliver, delta).
	BridgeMessagesTotal *prometheus.CounterVec
	// SOSActive is the number of users with an active SOS known to this node.
	SOSActive prometheus.Gauge
}

// New registers the instruments with reg. Registering twice on the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Authenticated connections on this node",
		}),
		GuestConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_connections",
			Help:      "Guest connections attached to share channels",
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by kind and outcome",
		}, []string{"kind", "outcome"}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound frames queued by fan-out scope",
		}, []string{"scope"}),
		DroppedFramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because the connection buffer was full",
		}),
		FlushBatch: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "position_flush_batch",
			Help:      "Users fanned out per position flush",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}),
		PersistFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Store writes that failed and were reconciled",
		}, []string{"op"}),
		BridgeMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Cross-node bridge messages by direction and type",
		}, []string{"direction", "type"}),
		SOSActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sos_active",
			Help:      "Users with an active SOS",
		}),
	}
}

func (m *Metrics) Event(kind, outcome string) {
	if m != nil {
		m.EventsTotal.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) Delivered(scope string, n int) {
	if m != nil && n > 0 {
		m.DeliveriesTotal.WithLabelValues(scope).Add(float64(n))
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.DroppedFramesTotal.Inc()
	}
}

func (m *Metrics) Flushed(users int) {
	if m != nil {
		m.FlushBatch.Observe(float64(users))
	}
}

func (m *Metrics) PersistFailed(op string) {
	if m != nil {
		m.PersistFailuresTotal.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Bridge(direction, typ string) {
	if m != nil {
		m.BridgeMessagesTotal.WithLabelValues(direction, typ).Inc()
	}
}

func (m *Metrics) SetConnections(live, guests int) {
	if m != nil {
		m.LiveConnections.Set(float64(live))
		m.GuestConnections.Set(float64(guests))
	}
}

func (m *Metrics) SetSOSActive(n int) {
	if m != nil {
		m.SOSActive.Set(float64(n))
	}
}
