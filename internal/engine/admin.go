package engine

import (
	"context"

	"go.uber.org/zap"

	"waypoint/internal/bridge"
	"waypoint/internal/event"
	"waypoint/internal/relation"
	"waypoint/internal/state"
	"waypoint/internal/store"
)

// adminDeleteUser purges a user everywhere. It is not reverted when the store delete fails; the
// actor is told and the database keeps the stale rows until a retry.
func (e *Engine) adminDeleteUser(c caller, d event.AdminDeleteUser) error {
	if !e.st.IsAdmin(c.userID) {
		return ErrPermissionDenied
	}
	target := d.UserID
	if target == c.userID {
		return Public(ErrConflict, "cannot delete own account")
	}
	_, known := e.st.Users[target]
	if _, live := e.subject(target); !known && !live {
		return Public(ErrNotFound, "user not found")
	}
	affected := e.router.Audience(target, false)
	rooms := e.st.RoomsOf(target)

	e.purgeSession(target)
	e.persist(event.KindAdminDeleteUser, c.connID, func(ctx context.Context, s store.Store) error {
		return s.DeleteUser(ctx, target)
	}, nil)
	e.publish(bridge.Delta{Op: bridge.OpUserDelete, UserID: target})
	e.removeUser(target, affected, rooms)
	e.log.Info("engine: user deleted", zap.String("user_id", target), zap.String("by", c.userID))
	return nil
}

// purgeSession disconnects userID's live connection, drops its offline record and closes its share
// channels. Viewers are told with user:disconnected reason "deleted".
func (e *Engine) purgeSession(userID string) {
	e.presence.MarkForceDeleted(userID)
	if sess, ok := e.presence.ByUser(userID); ok {
		connID := sess.ConnID
		e.disconnect(connID)
		e.transport.Close(connID)
	}
	if _, hadOffline := e.presence.Purge(userID); hadOffline {
		e.router.EmitToVisible(userID, event.New(event.UserDisconnected, PresencePayload{UserID: userID, Reason: "deleted"}))
	}
	for _, l := range e.links.RevokeOwner(userID) {
		e.router.CloseChannel(channelKey(l), expiryNotice(l.Kind, l.Hash, "deleted"))
	}
	e.router.DropPosition(userID)
	e.persistQ.Forget(userID)
	delete(e.lastKnown, userID)
	delete(e.retention, userID)
}

// removeUser drops userID from the aggregate and tells the users who lost a relation to it.
func (e *Engine) removeUser(userID string, affected relation.Set, rooms []string) {
	now := e.now()
	rm := e.st.RemoveUser(userID)
	for _, other := range rm.Contacts {
		e.router.EmitToUsers([]string{other}, event.New(event.ContactRemoved, ContactPayload{UserID: userID}))
	}
	for _, g := range rm.Guardianships {
		g.Status = state.GuardianRevoked
		e.emitGuardian(g)
	}
	for _, code := range rooms {
		e.router.EmitToUsers(e.st.MembersOf(code), event.New(event.RoomLeft, RoomMemberPayload{Code: code, UserID: userID}))
		e.emitRoomMembers(code)
		for _, t := range e.authority.Reevaluate(code, now) {
			e.settle("", t, now)
		}
	}
	e.graph.Invalidate(userID)
	e.regraph(affected.Sorted()...)
	e.updateGauges()
}

func (e *Engine) adminOverview(c caller, _ event.AdminOverview) error {
	if !e.st.IsAdmin(c.userID) {
		return ErrPermissionDenied
	}
	now := e.now()
	p := OverviewPayload{Live: []UserView{}, Offline: []UserView{}, Rooms: e.allRooms(), Links: e.links.Len()}
	for _, s := range e.presence.Live() {
		if v, ok := e.view(c.userID, s.UserID, now); ok {
			p.Live = append(p.Live, v)
		}
	}
	for _, rec := range e.presence.OfflineRecords(now) {
		if v, ok := e.view(c.userID, rec.Session.UserID, now); ok {
			p.Offline = append(p.Offline, v)
		}
	}
	e.router.EmitToConn(c.connID, event.New(event.AdminOverviewName, p))
	return nil
}
