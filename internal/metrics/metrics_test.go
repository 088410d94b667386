package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Event("sos:trigger", "ok")
	m.Event("sos:trigger", "ok")
	m.Delivered("visible", 3)
	m.Delivered("visible", 0)
	m.SetConnections(4, 1)

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("sos:trigger", "ok")); got != 2 {
		t.Errorf("events_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("visible")); got != 3 {
		t.Errorf("deliveries_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.LiveConnections); got != 4 {
		t.Errorf("live_connections = %v, want 4", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Event("x", "ok")
	m.Delivered("conn", 1)
	m.Dropped()
	m.Flushed(2)
	m.PersistFailed("room")
	m.Bridge("out", "deliver")
	m.SetConnections(1, 1)
	m.SetSOSActive(1)
}
