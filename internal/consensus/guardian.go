package consensus

import (
	"time"

	"waypoint/internal/state"
)

// OpenGuardianship starts a pending guardianship between actor and other. When actor is the prospective
// guardian it is a request the ward decides; when actor is the ward it is an invite the guardian decides.
func (a *Authority) OpenGuardianship(actor, other string, by state.Initiator, ttl time.Duration, now time.Time) (*state.Guardianship, error) {
	if actor == other {
		return nil, ErrSelf
	}
	if !a.st.Contacts.Has(actor, other) {
		return nil, ErrNotContacts
	}
	g := &state.Guardianship{
		Status:      state.GuardianPending,
		InitiatedBy: by,
		CreatedAt:   now,
	}
	if by == state.InitiatedByWard {
		g.GuardianID, g.WardID = other, actor
	} else {
		g.GuardianID, g.WardID = actor, other
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		g.ExpiresAt = &exp
	}
	if existing, ok := a.st.Guardians[g.Pair()]; ok && !existing.Expired(now) {
		return nil, ErrGuardianExists
	}
	a.st.Guardians[g.Pair()] = g
	return g, nil
}

// Decide approves or denies the pending guardianship between actor and other where actor is the decider.
// Approval activates it; denial removes it so it may be opened again.
func (a *Authority) Decide(actor, other string, approve bool, now time.Time) (*state.Guardianship, error) {
	g, ok := a.pendingFor(actor, other)
	if !ok {
		return nil, ErrNoGuardianship
	}
	if g.Decider() != actor {
		return nil, ErrNotDecider
	}
	if g.Expired(now) {
		delete(a.st.Guardians, g.Pair())
		return nil, ErrNoGuardianship
	}
	if !approve {
		delete(a.st.Guardians, g.Pair())
		out := *g
		out.Status = state.GuardianRevoked
		return &out, nil
	}
	g.Status = state.GuardianActive
	return g, nil
}

func (a *Authority) pendingFor(actor, other string) (*state.Guardianship, bool) {
	for _, p := range []state.Pair{{Guardian: actor, Ward: other}, {Guardian: other, Ward: actor}} {
		if g, ok := a.st.Guardians[p]; ok && g.Status == state.GuardianPending {
			return g, true
		}
	}
	return nil, false
}

// Revoke ends a guardianship between actor and other. Only the guardian may revoke an active one; a
// pending one may be cancelled only by whoever opened it. The removed record is returned with status revoked.
func (a *Authority) Revoke(actor, other string) (*state.Guardianship, error) {
	if g, ok := a.st.Guardians[state.Pair{Guardian: actor, Ward: other}]; ok && g.Status == state.GuardianActive {
		return a.drop(g), nil
	}
	if g, ok := a.pendingFor(actor, other); ok {
		if g.Initiator() != actor {
			return nil, ErrRevokeNotAllowed
		}
		return a.drop(g), nil
	}
	if _, ok := a.st.Guardians[state.Pair{Guardian: other, Ward: actor}]; ok {
		return nil, ErrRevokeNotAllowed
	}
	return nil, ErrNoGuardianship
}

// DropBetween removes every guardianship between x and y, used when their contact edge goes away.
func (a *Authority) DropBetween(x, y string) []state.Guardianship {
	var out []state.Guardianship
	for _, p := range []state.Pair{{Guardian: x, Ward: y}, {Guardian: y, Ward: x}} {
		if g, ok := a.st.Guardians[p]; ok {
			out = append(out, *a.drop(g))
		}
	}
	return out
}

func (a *Authority) drop(g *state.Guardianship) *state.Guardianship {
	delete(a.st.Guardians, g.Pair())
	out := *g
	out.Status = state.GuardianRevoked
	return &out
}

// ActiveGuardian reports whether guardian holds an unexpired active guardianship over ward.
func (a *Authority) ActiveGuardian(guardian, ward string, now time.Time) bool {
	g, ok := a.st.Guardians[state.Pair{Guardian: guardian, Ward: ward}]
	return ok && g.Status == state.GuardianActive && !g.Expired(now)
}
