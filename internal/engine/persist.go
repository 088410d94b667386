package engine

import (
	"context"

	"go.uber.org/zap"

	"waypoint/internal/bridge"
	"waypoint/internal/event"
	"waypoint/internal/ingest"
	"waypoint/internal/presence"
	"waypoint/internal/store"
)

// persist queues a store write for an optimistic mutation already applied. undo reverts it on failure
// and re-emits the corrected view; the actor connection is told with a persistence_failed error.
// actor is empty for system writes.
func (e *Engine) persist(op event.Kind, actor string, do func(ctx context.Context, s store.Store) error, undo func()) {
	w := store.Write{
		Op:    string(op),
		Actor: actor,
		Do:    func(ctx context.Context) error { return do(ctx, e.store) },
		Undo:  undo,
	}
	if err := e.writes.Submit(w); err != nil {
		// Reverted once the current step has finished emitting.
		e.backlog = append(e.backlog, store.Result{Op: w.Op, Actor: actor, Err: err, Undo: undo})
	}
}

// drainBacklog reconciles writes that could not be queued.
func (e *Engine) drainBacklog() {
	for len(e.backlog) > 0 {
		r := e.backlog[0]
		e.backlog = e.backlog[1:]
		e.reconcile(r)
	}
}

// reconcile applies the compensating action of a failed write.
func (e *Engine) reconcile(r store.Result) {
	e.metrics.PersistFailed(r.Op)
	e.log.Warn("engine: reverting after failed write", zap.String("op", r.Op), zap.String("actor", r.Actor), zap.Error(r.Err))
	if r.Undo != nil {
		r.Undo()
	}
	if r.Actor == "" {
		return
	}
	e.router.EmitToConn(r.Actor, event.New(event.Error, event.ErrorPayload{
		Code:    event.CodePersistenceFailed,
		Message: "change could not be saved and was reverted",
		Event:   event.Kind(r.Op),
	}))
}

// publish replicates d to other nodes.
func (e *Engine) publish(d bridge.Delta) {
	e.bridge.Publish(d)
}

// persistPositions writes debounced positions; all pending ones when drain is set.
func (e *Engine) persistPositions(drain bool) {
	var due []ingest.Item[presence.Position]
	if drain {
		due = e.persistQ.Drain()
	} else {
		due = e.persistQ.Due(e.now())
	}
	for _, it := range due {
		userID, pos := it.Key, it.Value
		e.persist("position:persist", "", func(ctx context.Context, s store.Store) error {
			return s.SavePosition(ctx, userID, pos)
		}, nil)
	}
}
