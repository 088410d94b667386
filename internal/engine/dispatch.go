package engine

import (
	"errors"

	"go.uber.org/zap"

	"waypoint/internal/audit"
	"waypoint/internal/event"
	"waypoint/internal/presence"
)

// caller is the sender of an inbound event.
type caller struct {
	connID string
	userID string
	guest  bool
	sess   *presence.Session
	kind   event.Kind
}

type handler func(e *Engine, c caller, ev event.Inbound) error

// on adapts a typed handler to the table signature.
func on[T event.Inbound](fn func(*Engine, caller, T) error) handler {
	return func(e *Engine, c caller, ev event.Inbound) error {
		v, ok := ev.(T)
		if !ok {
			return ErrValidation
		}
		return fn(e, c, v)
	}
}

// guestKinds are the only kinds a guest connection may send.
var guestKinds = map[event.Kind]bool{
	event.KindJoinWatch: true,
	event.KindJoinLive:  true,
}

func handlers() map[event.Kind]handler {
	return map[event.Kind]handler{
		event.KindPositionSample:   on((*Engine).positionSample),
		event.KindPositionBatch:    on((*Engine).positionBatch),
		event.KindProfileUpdate:    on((*Engine).profileUpdate),
		event.KindTriggerSOS:       on((*Engine).sosTrigger),
		event.KindCancelSOS:        on((*Engine).sosCancel),
		event.KindAckSOS:           on((*Engine).sosAck),
		event.KindSetGeofence:      on((*Engine).setGeofence),
		event.KindSetAutoRules:     on((*Engine).setAutoRules),
		event.KindSetCheckIn:       on((*Engine).setCheckIn),
		event.KindCheckInAck:       on((*Engine).checkInAck),
		event.KindCreateRoom:       on((*Engine).roomCreate),
		event.KindJoinRoom:         on((*Engine).roomJoin),
		event.KindLeaveRoom:        on((*Engine).roomLeave),
		event.KindAddContact:       on((*Engine).contactAdd),
		event.KindRemoveContact:    on((*Engine).contactRemove),
		event.KindRequestRoomAdmin: on((*Engine).roomAdminRequest),
		event.KindVoteRoomAdmin:    on((*Engine).roomAdminVote),
		event.KindRevokeRoomAdmin:  on((*Engine).roomAdminRevoke),
		event.KindGuardianRequest:  on((*Engine).guardianRequest),
		event.KindGuardianInvite:   on((*Engine).guardianInvite),
		event.KindGuardianApprove:  on((*Engine).guardianApprove),
		event.KindGuardianDeny:     on((*Engine).guardianDeny),
		event.KindGuardianRevoke:   on((*Engine).guardianRevoke),
		event.KindCreateLiveLink:   on((*Engine).liveCreate),
		event.KindRevokeLiveLink:   on((*Engine).liveRevoke),
		event.KindJoinWatch:        on((*Engine).watchJoin),
		event.KindJoinLive:         on((*Engine).liveJoin),
		event.KindAdminDeleteUser:  on((*Engine).adminDeleteUser),
		event.KindAdminOverview:    on((*Engine).adminOverview),
	}
}

// dispatch runs one inbound event through the boundary: caller lookup, rate limit, validation, the
// handler, then error mapping. A panicking handler is logged and the connection stays usable.
func (e *Engine) dispatch(connID string, ev event.Inbound) {
	kind := ev.Kind()
	defer func() {
		if r := recover(); r != nil {
			e.metrics.Event(string(kind), "panic")
			e.log.Error("engine: handler panic",
				zap.String("kind", string(kind)), zap.String("conn_id", connID), zap.Any("panic", r), zap.Stack("stack"))
			e.router.EmitToConn(connID, event.New(event.Error, event.ErrorPayload{
				Code: event.CodeInternal, Message: "internal error", Event: kind,
			}))
		}
	}()

	c, ok := e.caller(connID, kind)
	if !ok {
		e.log.Debug("engine: event from unknown connection", zap.String("conn_id", connID), zap.String("kind", string(kind)))
		return
	}
	err := e.run(c, ev)
	e.finish(c, err)
}

func (e *Engine) caller(connID string, kind event.Kind) (caller, bool) {
	if _, ok := e.guests[connID]; ok {
		return caller{connID: connID, guest: true, kind: kind}, true
	}
	sess, ok := e.presence.Session(connID)
	if !ok {
		return caller{}, false
	}
	return caller{connID: connID, userID: sess.UserID, sess: sess, kind: kind}, true
}

func (e *Engine) run(c caller, ev event.Inbound) error {
	h, ok := e.handlers[c.kind]
	if !ok {
		return ErrValidation
	}
	if c.guest && !guestKinds[c.kind] {
		return ErrPermissionDenied
	}
	if !e.limiter.Allow(c.connID, string(c.kind), e.now()) {
		return ErrRateLimited
	}
	if err := e.validator.Check(ev); err != nil {
		return errors.Join(ErrValidation, err)
	}
	return h(e, c, ev)
}

func (e *Engine) finish(c caller, err error) {
	e.metrics.Event(string(c.kind), outcome(err))
	if err == nil {
		if ar, ok := audit.ForKind(c.kind); ok {
			e.auditAction(c.userID, ar.Action, ar.Resource, map[string]string{"conn_id": c.connID})
		}
		return
	}
	fields := []zap.Field{zap.String("kind", string(c.kind)), zap.String("conn_id", c.connID), zap.Error(err)}
	if p, ok := errorPayload(c.kind, err); ok {
		if p.Code == event.CodeInternal {
			e.log.Error("engine: handler failed", fields...)
		}
		e.router.EmitToConn(c.connID, event.New(event.Error, p))
		return
	}
	e.log.Debug("engine: event dropped", fields...)
}

func (e *Engine) auditAction(userID, action, resource string, meta map[string]string) {
	if e.audit == nil {
		return
	}
	audit.LogEventAsync(e.audit, userID, action, resource, meta)
}
