// Package store is the durable layer behind the event loop: a boot-time snapshot plus upsert/delete
// operations per entity. Writes are issued off the loop through Runner and their failures reported
// back for reconciliation.
package store

import (
	"context"
	"time"

	"waypoint/internal/presence"
	"waypoint/internal/sharelink"
	"waypoint/internal/state"
)

// UserRecord is a persisted user with its retention preference.
type UserRecord struct {
	ID          string
	DisplayName string
	Role        string
	Retention   presence.RetentionMode
}

// Member is a persisted room membership.
type Member struct {
	Room   string
	UserID string
	Role   state.Role
}

// Contact is one undirected contact edge.
type Contact struct {
	A string
	B string
}

// Snapshot is everything loaded at boot. Links contains only unexpired links.
type Snapshot struct {
	Users         []UserRecord
	Positions     map[string]presence.Position
	Rooms         []state.Room
	Members       []Member
	Contacts      []Contact
	Guardianships []state.Guardianship
	Links         []sharelink.Link
}

// Store persists the aggregate. Implementations must be safe for concurrent use.
type Store interface {
	LoadAll(ctx context.Context, now time.Time) (*Snapshot, error)

	UpsertUser(ctx context.Context, u UserRecord) error
	DeleteUser(ctx context.Context, id string) error
	SavePosition(ctx context.Context, userID string, p presence.Position) error

	UpsertRoom(ctx context.Context, r state.Room) error
	DeleteRoom(ctx context.Context, code string) error
	UpsertMember(ctx context.Context, m Member) error
	DeleteMember(ctx context.Context, room, userID string) error

	AddContact(ctx context.Context, a, b string) error
	RemoveContact(ctx context.Context, a, b string) error

	UpsertGuardianship(ctx context.Context, g state.Guardianship) error
	DeleteGuardianship(ctx context.Context, guardianID, wardID string) error

	PutLink(ctx context.Context, l sharelink.Link) error
	DeleteLink(ctx context.Context, hash string) error
}

// ordered returns a and b with the smaller id first, the storage orientation of a contact edge.
func ordered(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Apply loads snap into st, links and positions. Memberships referencing unknown rooms are skipped.
func Apply(snap *Snapshot, st *state.State, links *sharelink.Store) {
	for _, u := range snap.Users {
		st.UpsertUser(u.ID, u.DisplayName, u.Role)
	}
	for i := range snap.Rooms {
		r := snap.Rooms[i]
		r.Roles = make(map[string]state.Role)
		st.PutRoom(&r)
	}
	for _, m := range snap.Members {
		r, ok := st.Room(m.Room)
		if !ok {
			continue
		}
		st.Members.Add(m.Room, m.UserID)
		r.Roles[m.UserID] = m.Role
	}
	for _, c := range snap.Contacts {
		st.Contacts.Add(c.A, c.B)
	}
	for i := range snap.Guardianships {
		g := snap.Guardianships[i]
		st.Guardians[g.Pair()] = &g
	}
	if links != nil {
		for _, l := range snap.Links {
			links.Put(l)
		}
	}
}
