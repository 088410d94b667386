// Package producer defines the interface for publishing safety events to a broker.
package producer

import (
	"context"

	"waypoint/internal/telemetry"
)

// Producer emits safety events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; call through telemetry.EmitAsync.
	Emit(ctx context.Context, event *telemetry.SafetyEvent) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
