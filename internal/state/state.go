// Package state holds the single-owner aggregate of shared registries: users, rooms with their member
// role maps, contacts, guardianships and pending requests. It is mutated only by the event loop.
package state

import (
	"errors"
	"sort"
	"time"

	"waypoint/internal/relation"
)

// Global roles carried by authenticated identities.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Room member roles.
const (
	MemberRole = "member"
	AdminRole  = "admin"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room code already in use")
	ErrNotMember    = errors.New("not a room member")
)

// User is a known identity.
type User struct {
	ID          string
	DisplayName string
	Role        string
}

// Role is a member's role in a room. ExpiresAt nil means no expiry.
type Role struct {
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ActiveAdmin reports whether r grants room admin at now.
func (r Role) ActiveAdmin(now time.Time) bool {
	return r.Role == AdminRole && (r.ExpiresAt == nil || now.Before(*r.ExpiresAt))
}

// Room is a shareable group. Membership lives in State.Members; Roles holds a role per current member.
type Room struct {
	Code      string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	Roles     map[string]Role
}

// State is the aggregate.
type State struct {
	Users    map[string]*User
	Rooms    map[string]*Room
	Members  *relation.Bipartite
	Contacts *relation.Symmetric

	Guardians map[Pair]*Guardianship
	Ballots   map[BallotKey]*Ballot
}

// New returns an empty aggregate.
func New() *State {
	return &State{
		Users:     make(map[string]*User),
		Rooms:     make(map[string]*Room),
		Members:   relation.NewBipartite(),
		Contacts:  relation.NewSymmetric(),
		Guardians: make(map[Pair]*Guardianship),
		Ballots:   make(map[BallotKey]*Ballot),
	}
}

// UpsertUser records or refreshes an identity. Empty fields keep their previous value.
func (s *State) UpsertUser(id, displayName, role string) *User {
	u, ok := s.Users[id]
	if !ok {
		u = &User{ID: id, Role: RoleUser}
		s.Users[id] = u
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	if role != "" {
		u.Role = role
	}
	return u
}

// IsAdmin reports whether id holds the global admin role.
func (s *State) IsAdmin(id string) bool {
	u, ok := s.Users[id]
	return ok && u.Role == RoleAdmin
}

// Admins returns global admin ids in order.
func (s *State) Admins() []string {
	var out []string
	for id, u := range s.Users {
		if u.Role == RoleAdmin {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Room returns the room with code.
func (s *State) Room(code string) (*Room, bool) {
	r, ok := s.Rooms[code]
	return r, ok
}

// CreateRoom adds a room with the creator as its first member and room admin.
func (s *State) CreateRoom(code, name, creator string, now time.Time) (*Room, error) {
	if _, ok := s.Rooms[code]; ok {
		return nil, ErrRoomExists
	}
	r := &Room{
		Code:      code,
		Name:      name,
		CreatedBy: creator,
		CreatedAt: now,
		Roles:     map[string]Role{creator: {Role: AdminRole}},
	}
	s.Rooms[code] = r
	s.Members.Add(code, creator)
	return r, nil
}

// PutRoom inserts a room as loaded from storage, without members.
func (s *State) PutRoom(r *Room) {
	if r.Roles == nil {
		r.Roles = make(map[string]Role)
	}
	s.Rooms[r.Code] = r
}

// Join adds userID to the room as a member. joined is false when already a member.
func (s *State) Join(code, userID string) (joined bool, err error) {
	r, ok := s.Rooms[code]
	if !ok {
		return false, ErrRoomNotFound
	}
	if !s.Members.Add(code, userID) {
		return false, nil
	}
	if _, ok := r.Roles[userID]; !ok {
		r.Roles[userID] = Role{Role: MemberRole}
	}
	return true, nil
}

// Leave removes userID from the room, along with its role and any ballot targeting it.
func (s *State) Leave(code, userID string) error {
	r, ok := s.Rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	if !s.Members.Remove(code, userID) {
		return ErrNotMember
	}
	delete(r.Roles, userID)
	delete(s.Ballots, BallotKey{Room: code, Target: userID})
	for k, b := range s.Ballots {
		if k.Room == code {
			delete(b.Approvals, userID)
			delete(b.Denials, userID)
		}
	}
	return nil
}

// BallotsIn returns copies of the room's outstanding ballots.
func (s *State) BallotsIn(code string) []*Ballot {
	var out []*Ballot
	for k, b := range s.Ballots {
		if k.Room == code {
			out = append(out, b.Clone())
		}
	}
	return out
}

// RestoreBallots puts back what Leave(code, userID) dropped, given the ballots taken before it: the
// ballot targeting userID and userID's votes on ballots still outstanding. Ballots settled since stay settled.
func (s *State) RestoreBallots(code, userID string, before []*Ballot) {
	if !s.IsMember(code, userID) {
		return
	}
	for _, b := range before {
		if b.Room != code {
			continue
		}
		if b.Target == userID {
			if _, ok := s.Ballots[b.Key()]; !ok {
				s.Ballots[b.Key()] = b.Clone()
			}
			continue
		}
		cur, ok := s.Ballots[b.Key()]
		if !ok {
			continue
		}
		switch {
		case b.Approvals.Has(userID):
			delete(cur.Denials, userID)
			cur.Approvals[userID] = struct{}{}
		case b.Denials.Has(userID):
			delete(cur.Approvals, userID)
			cur.Denials[userID] = struct{}{}
		}
	}
}

// IsMember reports whether userID belongs to the room.
func (s *State) IsMember(code, userID string) bool { return s.Members.Has(code, userID) }

// MembersOf returns the room's member ids in order.
func (s *State) MembersOf(code string) []string { return s.Members.Right(code).Sorted() }

// RoomsOf returns the codes of the rooms userID belongs to, in order.
func (s *State) RoomsOf(userID string) []string { return s.Members.Left(userID).Sorted() }

// RoomAdmin reports whether userID is an unexpired admin of the room.
func (s *State) RoomAdmin(code, userID string, now time.Time) bool {
	r, ok := s.Rooms[code]
	if !ok || !s.IsMember(code, userID) {
		return false
	}
	return r.Roles[userID].ActiveAdmin(now)
}

// SetRole sets the member's role. The user must be a member.
func (s *State) SetRole(code, userID string, role Role) error {
	r, ok := s.Rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	if !s.IsMember(code, userID) {
		return ErrNotMember
	}
	r.Roles[userID] = role
	return nil
}

// DeleteRoom removes the room and returns its former members.
func (s *State) DeleteRoom(code string) []string {
	members := s.Members.DropLeft(code)
	delete(s.Rooms, code)
	for k := range s.Ballots {
		if k.Room == code {
			delete(s.Ballots, k)
		}
	}
	return members
}

// ExpiredRooms returns codes of empty rooms created at least retention before now.
func (s *State) ExpiredRooms(now time.Time, retention time.Duration) []string {
	var out []string
	for code, r := range s.Rooms {
		if s.Members.RightCount(code) == 0 && now.Sub(r.CreatedAt) >= retention {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

// CoMembers returns every user sharing at least one room with userID, excluding userID.
func (s *State) CoMembers(userID string) relation.Set {
	out := make(relation.Set)
	for code := range s.Members.Left(userID) {
		for m := range s.Members.Right(code) {
			if m != userID {
				out[m] = struct{}{}
			}
		}
	}
	return out
}

// ShareRoom reports whether a and b are both members of some room.
func (s *State) ShareRoom(a, b string) bool {
	for code := range s.Members.Left(a) {
		if s.Members.Has(code, b) {
			return true
		}
	}
	return false
}

// AdminOfSharedRoom reports whether actor is an unexpired admin of a room that also contains target.
func (s *State) AdminOfSharedRoom(actor, target string, now time.Time) bool {
	for code := range s.Members.Left(actor) {
		if s.Members.Has(code, target) && s.RoomAdmin(code, actor, now) {
			return true
		}
	}
	return false
}

// Removal summarises what RemoveUser dropped.
type Removal struct {
	Rooms         []string
	Contacts      []string
	Guardianships []Guardianship
}

// RemoveUser drops userID from every relation and the directory.
func (s *State) RemoveUser(userID string) Removal {
	var rm Removal
	rm.Rooms = s.Members.DropRight(userID)
	for _, code := range rm.Rooms {
		if r, ok := s.Rooms[code]; ok {
			delete(r.Roles, userID)
		}
	}
	for k, b := range s.Ballots {
		if k.Target == userID {
			delete(s.Ballots, k)
			continue
		}
		delete(b.Approvals, userID)
		delete(b.Denials, userID)
	}
	rm.Contacts = s.Contacts.RemoveAll(userID)
	for p, g := range s.Guardians {
		if p.Guardian == userID || p.Ward == userID {
			rm.Guardianships = append(rm.Guardianships, *g)
			delete(s.Guardians, p)
		}
	}
	sort.Slice(rm.Guardianships, func(i, j int) bool {
		return rm.Guardianships[i].Pair().less(rm.Guardianships[j].Pair())
	})
	delete(s.Users, userID)
	return rm
}
