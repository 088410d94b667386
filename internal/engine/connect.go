package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"waypoint/internal/bridge"
	"waypoint/internal/event"
	"waypoint/internal/presence"
	"waypoint/internal/relation"
	"waypoint/internal/security"
	"waypoint/internal/state"
	"waypoint/internal/store"
)

func (e *Engine) connect(connID string, id security.Identity) {
	now := e.now()
	role := id.Role
	if role == "" {
		role = state.RoleUser
	}
	e.st.UpsertUser(id.UserID, id.Name, role)

	res := e.presence.Connect(id.UserID, role, id.Name, connID, now)
	sess := res.Session
	if !res.Restored {
		if p, ok := e.lastKnown[id.UserID]; ok {
			pos := p
			sess.Position = &pos
		}
		if m, ok := e.retention[id.UserID]; ok {
			sess.Retention = m
		}
	}
	if ev := res.Evicted; ev != nil {
		e.dropConn(ev.ConnID)
		e.transport.Close(ev.ConnID)
		e.router.EmitToVisible(id.UserID, event.New(event.UserDisconnected, PresencePayload{
			UserID: id.UserID, ConnID: ev.ConnID, Reason: "replaced",
		}))
	}
	if res.PriorConnID != "" {
		e.router.EmitToVisible(id.UserID, event.New(event.UserDisconnected, PresencePayload{
			UserID: id.UserID, ConnID: res.PriorConnID, Reason: "reconnected",
		}))
	}

	rec := store.UserRecord{ID: id.UserID, DisplayName: sess.DisplayName, Role: role, Retention: sess.Retention}
	e.persist("connect", "", func(ctx context.Context, s store.Store) error { return s.UpsertUser(ctx, rec) }, nil)
	e.publish(bridge.Delta{Op: bridge.OpUserUpsert, UserID: id.UserID, DisplayName: id.Name, GlobalRole: role})

	e.router.EmitToConn(connID, event.New(event.RosterSnapshot, e.roster(id.UserID, now)))
	e.rosters.Changed(connID, e.rosterSet(id.UserID, now))
	e.emitUser(id.UserID, event.UserConnected, now)
	e.updateGauges()
	e.log.Debug("engine: connected",
		zap.String("conn_id", connID), zap.String("user_id", id.UserID), zap.Bool("restored", res.Restored))
}

func (e *Engine) connectGuest(connID string) {
	e.guests[connID] = struct{}{}
	e.updateGauges()
}

// dropConn forgets per-connection ingest and channel state.
func (e *Engine) dropConn(connID string) {
	e.cooldown.Forget(connID)
	e.limiter.Forget(connID)
	e.rosters.Forget(connID)
	e.router.LeaveChannels(connID)
}

func (e *Engine) disconnect(connID string) {
	now := e.now()
	if _, ok := e.guests[connID]; ok {
		delete(e.guests, connID)
		e.router.LeaveChannels(connID)
		e.limiter.Forget(connID)
		e.updateGauges()
		return
	}
	e.dropConn(connID)
	res, ok := e.presence.Disconnect(connID, now)
	if !ok {
		return
	}
	userID := res.Session.UserID
	if res.Session.Position != nil {
		e.lastKnown[userID] = *res.Session.Position
	}
	if res.Record == nil {
		e.router.EmitToVisible(userID, event.New(event.UserDisconnected, PresencePayload{
			UserID: userID, ConnID: connID, Reason: "deleted",
		}))
	} else {
		e.router.EmitToVisible(userID, event.New(event.UserOffline, PresencePayload{
			UserID: userID, ConnID: connID, LastSeen: timePtr(now), ExpiresAt: res.Record.ExpiresAt,
		}))
	}
	e.updateGauges()
	e.log.Debug("engine: disconnected", zap.String("conn_id", connID), zap.String("user_id", userID))
}

// emitUser sends subject's view to everyone who can see it and to subject, shaped per viewer.
func (e *Engine) emitUser(subject string, name event.Name, now time.Time) {
	e.router.EmitShaped(e.router.Audience(subject, true), func(viewer string) (event.Outbound, bool) {
		v, ok := e.view(viewer, subject, now)
		return event.New(name, v), ok
	})
}

// refresh pushes visibility:refresh to each connected user in users whose roster set changed.
func (e *Engine) refresh(users []string) {
	now := e.now()
	seen := make(relation.Set, len(users))
	for _, u := range users {
		if seen.Has(u) {
			continue
		}
		seen[u] = struct{}{}
		sess, ok := e.presence.ByUser(u)
		if !ok {
			continue
		}
		set := e.rosterSet(u, now)
		if !e.rosters.Changed(sess.ConnID, set) {
			continue
		}
		e.router.EmitToConn(sess.ConnID, event.New(event.VisibilityRefresh, RefreshPayload{Users: e.views(u, set, now)}))
	}
}

// regraph invalidates the visibility of users and refreshes their rosters, and those of admins.
func (e *Engine) regraph(users ...string) {
	e.graph.InvalidateMany(users)
	e.refresh(append(users, e.st.Admins()...))
}

// sweep removes expired offline records, share links and empty rooms.
func (e *Engine) sweep() {
	now := e.now()
	for _, rec := range e.presence.Sweep(now) {
		userID := rec.Session.UserID
		e.router.EmitToVisible(userID, event.New(event.UserDisconnected, PresencePayload{
			UserID: userID, ConnID: rec.Session.ConnID, Reason: "expired",
		}))
	}
	e.sweepLinks()
	e.collectRooms(now)
	e.updateGauges()
}

func (e *Engine) updateGauges() {
	e.metrics.SetConnections(e.presence.Count(), len(e.guests))
	n := 0
	for _, s := range e.presence.Live() {
		if s.Safety.SOS.Active {
			n++
		}
	}
	for _, rec := range e.presence.OfflineRecords(e.now()) {
		if rec.Session.Safety.SOS.Active {
			n++
		}
	}
	e.metrics.SetSOSActive(n)
}

// subject returns the session of userID, live or retained offline.
func (e *Engine) subject(userID string) (*presence.Session, bool) {
	s, _ := e.presence.Subject(userID, e.now())
	return s, s != nil
}
