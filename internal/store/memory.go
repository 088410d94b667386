package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"waypoint/internal/presence"
	"waypoint/internal/sharelink"
	"waypoint/internal/state"
)

// Memory is an in-process Store used when no database is configured and in tests.
// FailNext injects a one-shot failure for an operation name (the method name, e.g. "UpsertMember").
type Memory struct {
	mu        sync.Mutex
	users     map[string]UserRecord
	positions map[string]presence.Position
	rooms     map[string]state.Room
	members   map[[2]string]state.Role
	contacts  map[Contact]struct{}
	guardians map[state.Pair]state.Guardianship
	links     map[string]sharelink.Link

	fail  map[string]error
	calls []string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]UserRecord),
		positions: make(map[string]presence.Position),
		rooms:     make(map[string]state.Room),
		members:   make(map[[2]string]state.Role),
		contacts:  make(map[Contact]struct{}),
		guardians: make(map[state.Pair]state.Guardianship),
		links:     make(map[string]sharelink.Link),
		fail:      make(map[string]error),
	}
}

var _ Store = (*Memory)(nil)

// FailNext makes the next call of op return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

// Calls returns the operation names invoked so far, in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *Memory) begin(op string) error {
	m.calls = append(m.calls, op)
	if err, ok := m.fail[op]; ok {
		delete(m.fail, op)
		return err
	}
	return nil
}

// LoadAll returns a copy of the stored aggregate.
func (m *Memory) LoadAll(_ context.Context, now time.Time) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("LoadAll"); err != nil {
		return nil, err
	}
	snap := &Snapshot{Positions: make(map[string]presence.Position, len(m.positions))}
	for _, u := range m.users {
		snap.Users = append(snap.Users, u)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	for id, p := range m.positions {
		snap.Positions[id] = p
	}
	for _, r := range m.rooms {
		snap.Rooms = append(snap.Rooms, r)
	}
	sort.Slice(snap.Rooms, func(i, j int) bool { return snap.Rooms[i].Code < snap.Rooms[j].Code })
	for k, role := range m.members {
		snap.Members = append(snap.Members, Member{Room: k[0], UserID: k[1], Role: role})
	}
	sort.Slice(snap.Members, func(i, j int) bool {
		if snap.Members[i].Room != snap.Members[j].Room {
			return snap.Members[i].Room < snap.Members[j].Room
		}
		return snap.Members[i].UserID < snap.Members[j].UserID
	})
	for c := range m.contacts {
		snap.Contacts = append(snap.Contacts, c)
	}
	sort.Slice(snap.Contacts, func(i, j int) bool {
		if snap.Contacts[i].A != snap.Contacts[j].A {
			return snap.Contacts[i].A < snap.Contacts[j].A
		}
		return snap.Contacts[i].B < snap.Contacts[j].B
	})
	for _, g := range m.guardians {
		snap.Guardianships = append(snap.Guardianships, g)
	}
	sort.Slice(snap.Guardianships, func(i, j int) bool {
		a, b := snap.Guardianships[i], snap.Guardianships[j]
		if a.GuardianID != b.GuardianID {
			return a.GuardianID < b.GuardianID
		}
		return a.WardID < b.WardID
	})
	for _, l := range m.links {
		if !l.Expired(now) {
			snap.Links = append(snap.Links, l)
		}
	}
	sort.Slice(snap.Links, func(i, j int) bool { return snap.Links[i].Hash < snap.Links[j].Hash })
	return snap, nil
}

func (m *Memory) UpsertUser(_ context.Context, u UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpsertUser"); err != nil {
		return err
	}
	m.users[u.ID] = u
	return nil
}

// DeleteUser removes the user and every row that references it.
func (m *Memory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteUser"); err != nil {
		return err
	}
	delete(m.users, id)
	delete(m.positions, id)
	for k := range m.members {
		if k[1] == id {
			delete(m.members, k)
		}
	}
	for c := range m.contacts {
		if c.A == id || c.B == id {
			delete(m.contacts, c)
		}
	}
	for p := range m.guardians {
		if p.Guardian == id || p.Ward == id {
			delete(m.guardians, p)
		}
	}
	for h, l := range m.links {
		if l.Owner == id {
			delete(m.links, h)
		}
	}
	return nil
}

func (m *Memory) SavePosition(_ context.Context, userID string, p presence.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SavePosition"); err != nil {
		return err
	}
	m.positions[userID] = p
	return nil
}

func (m *Memory) UpsertRoom(_ context.Context, r state.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpsertRoom"); err != nil {
		return err
	}
	r.Roles = nil
	m.rooms[r.Code] = r
	return nil
}

func (m *Memory) DeleteRoom(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteRoom"); err != nil {
		return err
	}
	delete(m.rooms, code)
	for k := range m.members {
		if k[0] == code {
			delete(m.members, k)
		}
	}
	return nil
}

func (m *Memory) UpsertMember(_ context.Context, mem Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpsertMember"); err != nil {
		return err
	}
	m.members[[2]string{mem.Room, mem.UserID}] = mem.Role
	return nil
}

func (m *Memory) DeleteMember(_ context.Context, room, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteMember"); err != nil {
		return err
	}
	delete(m.members, [2]string{room, userID})
	return nil
}

func (m *Memory) AddContact(_ context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("AddContact"); err != nil {
		return err
	}
	a, b = ordered(a, b)
	m.contacts[Contact{A: a, B: b}] = struct{}{}
	return nil
}

func (m *Memory) RemoveContact(_ context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("RemoveContact"); err != nil {
		return err
	}
	a, b = ordered(a, b)
	delete(m.contacts, Contact{A: a, B: b})
	return nil
}

func (m *Memory) UpsertGuardianship(_ context.Context, g state.Guardianship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpsertGuardianship"); err != nil {
		return err
	}
	m.guardians[g.Pair()] = g
	return nil
}

func (m *Memory) DeleteGuardianship(_ context.Context, guardianID, wardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteGuardianship"); err != nil {
		return err
	}
	delete(m.guardians, state.Pair{Guardian: guardianID, Ward: wardID})
	return nil
}

func (m *Memory) PutLink(_ context.Context, l sharelink.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("PutLink"); err != nil {
		return err
	}
	m.links[l.Hash] = l
	return nil
}

func (m *Memory) DeleteLink(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteLink"); err != nil {
		return err
	}
	delete(m.links, hash)
	return nil
}
