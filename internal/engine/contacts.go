package engine

import (
	"context"
	"errors"
	"time"

	"waypoint/internal/audit"
	"waypoint/internal/bridge"
	"waypoint/internal/consensus"
	"waypoint/internal/event"
	"waypoint/internal/state"
	"waypoint/internal/store"
)

func (e *Engine) emitContact(name event.Name, a, b string) {
	e.router.EmitToUsers([]string{a}, event.New(name, ContactPayload{UserID: b}))
	e.router.EmitToUsers([]string{b}, event.New(name, ContactPayload{UserID: a}))
}

func (e *Engine) emitGuardian(g state.Guardianship) {
	e.router.EmitToUsers(dedupe(g.GuardianID, g.WardID), event.New(event.GuardianUpdate, g))
}

// contactAdd mirrors a contact edge between the sender and another user it shares a room with.
func (e *Engine) contactAdd(c caller, a event.AddContact) error {
	self, other := c.userID, a.UserID
	if self == other {
		return ErrValidation
	}
	if _, ok := e.st.Users[other]; !ok {
		return Public(ErrNotFound, "user not found")
	}
	if !e.st.ShareRoom(self, other) && !e.st.IsAdmin(self) {
		return Public(ErrPermissionDenied, "contacts must share a room")
	}
	if !e.st.Contacts.Add(self, other) {
		return errNoChange
	}
	e.persist(event.KindAddContact, c.connID, func(ctx context.Context, s store.Store) error {
		return s.AddContact(ctx, self, other)
	}, func() {
		if e.st.Contacts.Remove(self, other) {
			e.emitContact(event.ContactRemoved, self, other)
			e.regraph(self, other)
		}
	})
	e.publish(bridge.Delta{Op: bridge.OpContactAdd, UserID: self, Other: other})
	e.emitContact(event.ContactAdded, self, other)
	e.regraph(self, other)
	return nil
}

// contactRemove drops the edge from both sides along with any guardianship between the pair.
func (e *Engine) contactRemove(c caller, r event.RemoveContact) error {
	self, other := c.userID, r.UserID
	if !e.st.Contacts.Remove(self, other) {
		return Public(ErrNotFound, "not a contact")
	}
	prior := make(map[state.Pair]state.GuardianStatus)
	for _, g := range e.st.GuardianshipsOf(self) {
		if g.GuardianID == other || g.WardID == other {
			prior[g.Pair()] = g.Status
		}
	}
	dropped := e.authority.DropBetween(self, other)
	e.persist(event.KindRemoveContact, c.connID, func(ctx context.Context, s store.Store) error {
		for _, g := range dropped {
			if err := s.DeleteGuardianship(ctx, g.GuardianID, g.WardID); err != nil {
				return err
			}
		}
		return s.RemoveContact(ctx, self, other)
	}, func() {
		e.st.Contacts.Add(self, other)
		for _, g := range dropped {
			back := g
			back.Status = prior[g.Pair()]
			e.st.Guardians[g.Pair()] = &back
			e.emitGuardian(back)
		}
		e.emitContact(event.ContactAdded, self, other)
		e.regraph(self, other)
	})
	e.publish(bridge.Delta{Op: bridge.OpContactRemove, UserID: self, Other: other})
	for _, g := range dropped {
		e.publish(bridge.Delta{Op: bridge.OpGuardianDelete, UserID: g.GuardianID, Other: g.WardID})
		e.emitGuardian(g)
		e.auditAction(c.userID, audit.ActionGuardianRevoked, "guardian", map[string]string{
			"guardian_id": g.GuardianID, "ward_id": g.WardID, "reason": "contact_removed",
		})
	}
	e.emitContact(event.ContactRemoved, self, other)
	e.regraph(self, other)
	return nil
}

func guardianError(err error) error {
	switch {
	case errors.Is(err, consensus.ErrSelf):
		return ErrValidation
	case errors.Is(err, consensus.ErrNotContacts):
		return Public(ErrPermissionDenied, "guardianship requires a mutual contact")
	case errors.Is(err, consensus.ErrGuardianExists):
		return Public(ErrConflict, "a guardianship already exists for this pair")
	case errors.Is(err, consensus.ErrNoGuardianship):
		return Public(ErrNotFound, "no such guardianship")
	case errors.Is(err, consensus.ErrNotDecider):
		return Public(ErrPermissionDenied, "only the invited party may decide")
	case errors.Is(err, consensus.ErrRevokeNotAllowed):
		return Public(ErrPermissionDenied, "not allowed to revoke")
	}
	return err
}

func (e *Engine) guardianRequest(c caller, r event.GuardianRequest) error {
	return e.openGuardianship(c, r.WardID, state.InitiatedByGuardian, r.TTLMinutes)
}

func (e *Engine) guardianInvite(c caller, i event.GuardianInvite) error {
	return e.openGuardianship(c, i.GuardianID, state.InitiatedByWard, i.TTLMinutes)
}

func (e *Engine) openGuardianship(c caller, other string, by state.Initiator, ttlMinutes int) error {
	g, err := e.authority.OpenGuardianship(c.userID, other, by, time.Duration(ttlMinutes)*time.Minute, e.now())
	if err != nil {
		return guardianError(err)
	}
	rec := *g
	e.persist(c.kind, c.connID, func(ctx context.Context, s store.Store) error {
		return s.UpsertGuardianship(ctx, rec)
	}, func() {
		delete(e.st.Guardians, rec.Pair())
		gone := rec
		gone.Status = state.GuardianRevoked
		e.emitGuardian(gone)
	})
	e.publish(bridge.Delta{Op: bridge.OpGuardianUpsert, Guardian: &rec})
	e.emitGuardian(rec)
	return nil
}

func (e *Engine) guardianApprove(c caller, a event.GuardianApprove) error {
	g, err := e.authority.Decide(c.userID, a.UserID, true, e.now())
	if err != nil {
		return guardianError(err)
	}
	rec := *g
	pair := rec.Pair()
	e.persist(event.KindGuardianApprove, c.connID, func(ctx context.Context, s store.Store) error {
		return s.UpsertGuardianship(ctx, rec)
	}, func() {
		if cur, ok := e.st.Guardians[pair]; ok {
			cur.Status = state.GuardianPending
			e.emitGuardian(*cur)
		}
	})
	e.publish(bridge.Delta{Op: bridge.OpGuardianUpsert, Guardian: &rec})
	e.emitGuardian(rec)
	e.auditAction(c.userID, audit.ActionGuardianActive, "guardian", map[string]string{
		"guardian_id": rec.GuardianID, "ward_id": rec.WardID,
	})
	return nil
}

// guardianDeny removes the pending guardianship so it can be requested again.
func (e *Engine) guardianDeny(c caller, d event.GuardianDeny) error {
	g, err := e.authority.Decide(c.userID, d.UserID, false, e.now())
	if err != nil {
		return guardianError(err)
	}
	e.dropGuardianship(c, *g, state.GuardianPending)
	return nil
}

func (e *Engine) guardianRevoke(c caller, r event.GuardianRevoke) error {
	prev, _ := e.st.Between(c.userID, r.UserID)
	var status state.GuardianStatus
	if prev != nil {
		status = prev.Status
	}
	g, err := e.authority.Revoke(c.userID, r.UserID)
	if err != nil {
		return guardianError(err)
	}
	e.dropGuardianship(c, *g, status)
	if status == state.GuardianActive {
		e.auditAction(c.userID, audit.ActionGuardianRevoked, "guardian", map[string]string{
			"guardian_id": g.GuardianID, "ward_id": g.WardID,
		})
	}
	return nil
}

// dropGuardianship persists and announces a guardianship already removed from state. On write failure
// it is restored with its previous status.
func (e *Engine) dropGuardianship(c caller, g state.Guardianship, prevStatus state.GuardianStatus) {
	e.persist(c.kind, c.connID, func(ctx context.Context, s store.Store) error {
		return s.DeleteGuardianship(ctx, g.GuardianID, g.WardID)
	}, func() {
		back := g
		back.Status = prevStatus
		e.st.Guardians[back.Pair()] = &back
		e.emitGuardian(back)
	})
	e.publish(bridge.Delta{Op: bridge.OpGuardianDelete, UserID: g.GuardianID, Other: g.WardID})
	e.emitGuardian(g)
}
