package state

import (
	"sort"
	"time"

	"waypoint/internal/relation"
)

// GuardianStatus is the lifecycle of a guardianship.
type GuardianStatus string

const (
	GuardianPending GuardianStatus = "pending"
	GuardianActive  GuardianStatus = "active"
	GuardianRevoked GuardianStatus = "revoked"
)

// Initiator records which side opened a guardianship.
type Initiator string

const (
	// InitiatedByGuardian is a request: the ward decides.
	InitiatedByGuardian Initiator = "guardian"
	// InitiatedByWard is an invite: the guardian decides.
	InitiatedByWard Initiator = "ward"
)

// Pair keys a guardianship by guardian and ward.
type Pair struct {
	Guardian string
	Ward     string
}

func (p Pair) less(o Pair) bool {
	if p.Guardian != o.Guardian {
		return p.Guardian < o.Guardian
	}
	return p.Ward < o.Ward
}

// Guardianship is a guardian↔ward grant, pending or active.
type Guardianship struct {
	GuardianID  string         `json:"guardianId"`
	WardID      string         `json:"wardId"`
	Status      GuardianStatus `json:"status"`
	InitiatedBy Initiator      `json:"initiatedBy"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Pair returns the key of g.
func (g *Guardianship) Pair() Pair { return Pair{Guardian: g.GuardianID, Ward: g.WardID} }

// Initiator returns the user id that opened g.
func (g *Guardianship) Initiator() string {
	if g.InitiatedBy == InitiatedByWard {
		return g.WardID
	}
	return g.GuardianID
}

// Decider returns the user id that must approve or deny a pending g.
func (g *Guardianship) Decider() string {
	if g.InitiatedBy == InitiatedByWard {
		return g.GuardianID
	}
	return g.WardID
}

// Expired reports whether g has an expiry at or before now.
func (g *Guardianship) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// BallotKey scopes a room-admin promotion request.
type BallotKey struct {
	Room   string
	Target string
}

// Ballot is an outstanding room-admin promotion request. Approvals and Denials are disjoint.
type Ballot struct {
	Room      string
	Target    string
	Approvals relation.Set
	Denials   relation.Set
	// TTL time-boxes the grant on promotion; zero means no expiry.
	TTL       time.Duration
	CreatedAt time.Time
}

// Key returns the scope of b.
func (b *Ballot) Key() BallotKey { return BallotKey{Room: b.Room, Target: b.Target} }

// Clone returns a copy of b with its own vote sets.
func (b *Ballot) Clone() *Ballot {
	out := *b
	out.Approvals = b.Approvals.Clone()
	out.Denials = b.Denials.Clone()
	return &out
}

// Pending is an outstanding request awaiting someone's decision: a *Ballot, or a pending *Guardianship
// (a request when guardian-initiated, an invite when ward-initiated).
type Pending interface {
	Scope() string
	pending()
}

// Scope is the room code.
func (b *Ballot) Scope() string { return b.Room }
func (b *Ballot) pending()      {}

// Scope is the user the request targets.
func (g *Guardianship) Scope() string { return g.Decider() }
func (g *Guardianship) pending()      {}

// PendingFor returns requests awaiting userID: ballots in rooms it belongs to (other than its own)
// and pending guardianships it must decide on.
func (s *State) PendingFor(userID string) []Pending {
	var out []Pending
	var ballots []*Ballot
	for k, b := range s.Ballots {
		if k.Target != userID && s.IsMember(k.Room, userID) {
			ballots = append(ballots, b)
		}
	}
	sort.Slice(ballots, func(i, j int) bool {
		if ballots[i].Room != ballots[j].Room {
			return ballots[i].Room < ballots[j].Room
		}
		return ballots[i].Target < ballots[j].Target
	})
	for _, b := range ballots {
		out = append(out, b)
	}
	var gs []*Guardianship
	for _, g := range s.Guardians {
		if g.Status == GuardianPending && g.Decider() == userID {
			gs = append(gs, g)
		}
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].Pair().less(gs[j].Pair()) })
	for _, g := range gs {
		out = append(out, g)
	}
	return out
}

// GuardianshipsOf returns every guardianship userID takes part in, ordered by pair.
func (s *State) GuardianshipsOf(userID string) []*Guardianship {
	var out []*Guardianship
	for p, g := range s.Guardians {
		if p.Guardian == userID || p.Ward == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair().less(out[j].Pair()) })
	return out
}

// Between returns the guardianship linking a and b in either orientation.
func (s *State) Between(a, b string) (*Guardianship, bool) {
	if g, ok := s.Guardians[Pair{Guardian: a, Ward: b}]; ok {
		return g, true
	}
	g, ok := s.Guardians[Pair{Guardian: b, Ward: a}]
	return g, ok
}
