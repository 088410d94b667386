// Package telemetry emits safety events (SOS lifecycle, geofence breaches, overdue check-ins) to
// observability sinks: OTel logs, Kafka and, through cmd/worker, Loki. Emission is best-effort.
package telemetry

import "time"

// Safety event types.
const (
	TypeSOSTriggered    = "sos_triggered"
	TypeSOSCancelled    = "sos_cancelled"
	TypeSOSAcknowledged = "sos_acknowledged"
	TypeGeofenceBreach  = "geofence_breach"
	TypeCheckInOverdue  = "checkin_overdue"
)

// SafetyEvent is one emitted safety event. It is serialised as JSON on Kafka.
type SafetyEvent struct {
	EventType string            `json:"eventType"`
	UserID    string            `json:"userId"`
	SOSType   string            `json:"sosType,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Lat       *float64          `json:"lat,omitempty"`
	Lng       *float64          `json:"lng,omitempty"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
