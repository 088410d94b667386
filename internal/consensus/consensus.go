// Package consensus arbitrates elevated permissions: majority-vote room-admin promotion and
// mutual-consent guardianship. It mutates the State it is given and reports outcomes; the caller
// persists and notifies.
package consensus

import (
	"context"
	"errors"
	"time"

	policy "waypoint/internal/policy/engine"
	"waypoint/internal/relation"
	"waypoint/internal/state"
)

var (
	ErrNotMember        = errors.New("not a room member")
	ErrAlreadyAdmin     = errors.New("already a room admin")
	ErrBallotExists     = errors.New("a promotion request is already open")
	ErrNoBallot         = errors.New("no open promotion request")
	ErrSelfVote         = errors.New("cannot vote on own request")
	ErrNotAdmin         = errors.New("not a room admin")
	ErrNotContacts      = errors.New("guardianship requires a mutual contact")
	ErrGuardianExists   = errors.New("a guardianship already exists for this pair")
	ErrNoGuardianship   = errors.New("no such guardianship")
	ErrNotDecider       = errors.New("only the invited party may decide")
	ErrRevokeNotAllowed = errors.New("not allowed to revoke")
	ErrSelf             = errors.New("cannot target self")
)

// Outcome is the state of a ballot after an operation.
type Outcome string

const (
	Pending  Outcome = "pending"
	Promoted Outcome = "promoted"
	Denied   Outcome = "denied"
)

// Majority returns the votes needed out of eligible voters.
func Majority(eligible int) int { return eligible/2 + 1 }

// Tally is the public view of a ballot.
type Tally struct {
	Room      string  `json:"room"`
	Target    string  `json:"target"`
	Approvals int     `json:"approvals"`
	Denials   int     `json:"denials"`
	Eligible  int     `json:"eligible"`
	Needed    int     `json:"needed"`
	Outcome   Outcome `json:"outcome"`
}

// Authority runs the consensus workflows over a State.
type Authority struct {
	st     *state.State
	policy policy.Evaluator
}

// New returns an Authority. A nil evaluator uses the native rule.
func New(st *state.State, ev policy.Evaluator) *Authority {
	if ev == nil {
		ev = policy.NativeEvaluator{}
	}
	return &Authority{st: st, policy: ev}
}

// RequestAdmin opens a promotion ballot for target in room; ttl > 0 time-boxes the resulting grant.
// With no other member the target is promoted at once.
func (a *Authority) RequestAdmin(room, target string, ttl time.Duration, now time.Time) (Tally, error) {
	if !a.st.IsMember(room, target) {
		return Tally{}, ErrNotMember
	}
	if a.st.RoomAdmin(room, target, now) {
		return Tally{}, ErrAlreadyAdmin
	}
	key := state.BallotKey{Room: room, Target: target}
	if _, ok := a.st.Ballots[key]; ok {
		return Tally{}, ErrBallotExists
	}
	b := &state.Ballot{Room: room, Target: target, Approvals: relation.Set{}, Denials: relation.Set{}, TTL: ttl, CreatedAt: now}
	a.st.Ballots[key] = b
	return a.resolve(b, now), nil
}

// Vote records voter's approval or denial; a vote replaces the voter's previous opposite vote.
func (a *Authority) Vote(room, target, voter string, approve bool, now time.Time) (Tally, error) {
	b, ok := a.st.Ballots[state.BallotKey{Room: room, Target: target}]
	if !ok {
		return Tally{}, ErrNoBallot
	}
	if voter == target {
		return Tally{}, ErrSelfVote
	}
	if !a.st.IsMember(room, voter) {
		return Tally{}, ErrNotMember
	}
	if approve {
		delete(b.Denials, voter)
		b.Approvals[voter] = struct{}{}
	} else {
		delete(b.Approvals, voter)
		b.Denials[voter] = struct{}{}
	}
	return a.resolve(b, now), nil
}

// Reevaluate resolves open ballots in room after its membership shrank.
func (a *Authority) Reevaluate(room string, now time.Time) []Tally {
	var out []Tally
	for _, target := range a.st.MembersOf(room) {
		if b, ok := a.st.Ballots[state.BallotKey{Room: room, Target: target}]; ok {
			if t := a.resolve(b, now); t.Outcome != Pending {
				out = append(out, t)
			}
		}
	}
	return out
}

// Tally returns the current counts of b.
func (a *Authority) Tally(b *state.Ballot) Tally {
	eligible := a.st.Members.RightCount(b.Room) - 1
	if eligible < 0 {
		eligible = 0
	}
	return Tally{
		Room:      b.Room,
		Target:    b.Target,
		Approvals: len(b.Approvals),
		Denials:   len(b.Denials),
		Eligible:  eligible,
		Needed:    Majority(eligible),
		Outcome:   Pending,
	}
}

func (a *Authority) resolve(b *state.Ballot, now time.Time) Tally {
	t := a.Tally(b)
	switch {
	case t.Eligible == 0 || t.Approvals >= t.Needed:
		role := state.Role{Role: state.AdminRole}
		if b.TTL > 0 {
			exp := now.Add(b.TTL)
			role.ExpiresAt = &exp
		}
		_ = a.st.SetRole(b.Room, b.Target, role)
		delete(a.st.Ballots, b.Key())
		t.Outcome = Promoted
	case t.Denials >= t.Needed:
		delete(a.st.Ballots, b.Key())
		t.Outcome = Denied
	}
	return t
}

// RevokeAdmin demotes target. The holder itself, the room creator, or a global admin may revoke.
func (a *Authority) RevokeAdmin(room, target, actor string, now time.Time) (state.Role, error) {
	r, ok := a.st.Room(room)
	if !ok {
		return state.Role{}, state.ErrRoomNotFound
	}
	prev, member := r.Roles[target]
	if !member || prev.Role != state.AdminRole {
		return state.Role{}, ErrNotAdmin
	}
	if actor != target && actor != r.CreatedBy && !a.st.IsAdmin(actor) {
		return state.Role{}, ErrRevokeNotAllowed
	}
	if err := a.st.SetRole(room, target, state.Role{Role: state.MemberRole}); err != nil {
		return state.Role{}, err
	}
	return prev, nil
}

// CanManage reports whether actor may configure target's safety settings at now.
func (a *Authority) CanManage(ctx context.Context, actor, target string, now time.Time) bool {
	in := a.Facts(actor, target, now)
	ok, err := a.policy.CanManage(ctx, in)
	if err != nil {
		return policy.NativeManage(in)
	}
	return ok
}

// Facts computes the manage input for actor and target.
func (a *Authority) Facts(actor, target string, now time.Time) policy.ManageInput {
	return policy.ManageInput{
		ActorID:         actor,
		TargetID:        target,
		ActorIsAdmin:    a.st.IsAdmin(actor),
		SharedRoomAdmin: a.st.AdminOfSharedRoom(actor, target, now),
		ActiveGuardian:  a.ActiveGuardian(actor, target, now),
	}
}
