package telemetry

import (
	"context"

	"go.uber.org/multierr"
)

// EventEmitter emits safety events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *SafetyEvent) error
}

// Multi emits to every emitter in order and combines their errors. Nil entries are skipped.
type Multi []EventEmitter

// Emit implements EventEmitter.
func (m Multi) Emit(ctx context.Context, event *SafetyEvent) error {
	var err error
	for _, e := range m {
		if e != nil {
			err = multierr.Append(err, e.Emit(ctx, event))
		}
	}
	return err
}
