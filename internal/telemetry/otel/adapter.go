package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"waypoint/internal/telemetry"
)

// instrumentationName is the OTel logger scope for safety events.
const instrumentationName = "waypoint.safety"

// recordEmitter is the subset of otellog.Logger used by the adapter.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(instrumentationName)}
}

// NewEventEmitterWithLogger wraps any record emitter (e.g. a test capture).
func NewEventEmitterWithLogger(l recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: l}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.SafetyEvent) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the safety event to an OTel log record and emits it.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.SafetyEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetTimestamp(event.CreatedAt)
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetSeverity(severityFor(event.EventType))
	if len(event.Metadata) > 0 {
		if b, err := json.Marshal(event.Metadata); err == nil {
			rec.SetBody(otellog.BytesValue(b))
		}
	}
	attr := func(k, v string) {
		if v != "" {
			rec.AddAttributes(otellog.String(k, v))
		}
	}
	attr("event_type", event.EventType)
	attr("user_id", event.UserID)
	attr("sos_type", event.SOSType)
	attr("reason", event.Reason)
	attr("source", event.Source)
	if event.Lat != nil && event.Lng != nil {
		rec.AddAttributes(otellog.Float64("lat", *event.Lat), otellog.Float64("lng", *event.Lng))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

func severityFor(eventType string) otellog.Severity {
	switch eventType {
	case telemetry.TypeSOSTriggered, telemetry.TypeGeofenceBreach:
		return otellog.SeverityWarn
	case telemetry.TypeCheckInOverdue:
		return otellog.SeverityWarn2
	default:
		return otellog.SeverityInfo
	}
}
