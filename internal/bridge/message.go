// Package bridge links processes over Kafka: user-scoped deliveries for users connected elsewhere and
// state deltas that keep every process's aggregate eventually consistent.
package bridge

import (
	"encoding/json"
	"fmt"

	"waypoint/internal/event"
	"waypoint/internal/sharelink"
	"waypoint/internal/state"
)

// MessageType distinguishes bridge messages.
type MessageType string

const (
	TypeDeliver MessageType = "deliver"
	TypeDelta   MessageType = "delta"
)

// Message is one bridge record. Origin is the publishing node; a node ignores its own messages.
type Message struct {
	Origin  string          `json:"origin"`
	Type    MessageType     `json:"type"`
	Users   []string        `json:"users,omitempty"`
	Event   event.Name      `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Delta   *Delta          `json:"delta,omitempty"`
}

// Outbound rebuilds the delivered event. Payload stays raw so it is re-encoded byte for byte.
func (m Message) Outbound() event.Outbound {
	if len(m.Payload) == 0 {
		return event.New(m.Event, nil)
	}
	return event.New(m.Event, m.Payload)
}

// Op is a delta operation.
type Op string

const (
	OpUserUpsert     Op = "user_upsert"
	OpUserDelete     Op = "user_delete"
	OpRoomPut        Op = "room_put"
	OpRoomDelete     Op = "room_delete"
	OpMemberJoin     Op = "member_join"
	OpMemberLeave    Op = "member_leave"
	OpRoleSet        Op = "role_set"
	OpContactAdd     Op = "contact_add"
	OpContactRemove  Op = "contact_remove"
	OpGuardianUpsert Op = "guardian_upsert"
	OpGuardianDelete Op = "guardian_delete"
	OpLinkPut        Op = "link_put"
	OpLinkDelete     Op = "link_delete"
)

// Delta is a replicated state mutation. Only the fields relevant to Op are set.
type Delta struct {
	Op          Op                  `json:"op"`
	Room        *state.Room         `json:"room,omitempty"`
	Code        string              `json:"code,omitempty"`
	UserID      string              `json:"userId,omitempty"`
	Other       string              `json:"other,omitempty"`
	DisplayName string              `json:"displayName,omitempty"`
	GlobalRole  string              `json:"globalRole,omitempty"`
	Role        *state.Role         `json:"role,omitempty"`
	Guardian    *state.Guardianship `json:"guardian,omitempty"`
	Link        *sharelink.Link     `json:"link,omitempty"`
	// Hash keys link_put and link_delete; Link itself never serialises its hash.
	Hash        string              `json:"hash,omitempty"`
}

// Apply mutates st and links and returns the users whose visibility may have changed.
func (d Delta) Apply(st *state.State, links *sharelink.Store) ([]string, error) {
	switch d.Op {
	case OpUserUpsert:
		st.UpsertUser(d.UserID, d.DisplayName, d.GlobalRole)
		return nil, nil
	case OpUserDelete:
		rm := st.RemoveUser(d.UserID)
		if links != nil {
			links.RevokeOwner(d.UserID)
		}
		affected := append([]string{d.UserID}, rm.Contacts...)
		for _, code := range rm.Rooms {
			affected = append(affected, st.MembersOf(code)...)
		}
		return affected, nil
	case OpRoomPut:
		if d.Room == nil {
			return nil, fmt.Errorf("delta %s: missing room", d.Op)
		}
		if _, ok := st.Room(d.Room.Code); !ok {
			r := *d.Room
			r.Roles = nil
			st.PutRoom(&r)
		}
		return nil, nil
	case OpRoomDelete:
		return st.DeleteRoom(d.Code), nil
	case OpMemberJoin:
		if _, err := st.Join(d.Code, d.UserID); err != nil {
			return nil, fmt.Errorf("delta %s: %w", d.Op, err)
		}
		return append(st.MembersOf(d.Code), d.UserID), nil
	case OpMemberLeave:
		members := st.MembersOf(d.Code)
		if err := st.Leave(d.Code, d.UserID); err != nil && err != state.ErrNotMember {
			return nil, fmt.Errorf("delta %s: %w", d.Op, err)
		}
		return members, nil
	case OpRoleSet:
		if d.Role == nil {
			return nil, fmt.Errorf("delta %s: missing role", d.Op)
		}
		if err := st.SetRole(d.Code, d.UserID, *d.Role); err != nil {
			return nil, fmt.Errorf("delta %s: %w", d.Op, err)
		}
		return nil, nil
	case OpContactAdd:
		st.Contacts.Add(d.UserID, d.Other)
		return []string{d.UserID, d.Other}, nil
	case OpContactRemove:
		st.Contacts.Remove(d.UserID, d.Other)
		return []string{d.UserID, d.Other}, nil
	case OpGuardianUpsert:
		if d.Guardian == nil {
			return nil, fmt.Errorf("delta %s: missing guardianship", d.Op)
		}
		g := *d.Guardian
		st.Guardians[g.Pair()] = &g
		return []string{g.GuardianID, g.WardID}, nil
	case OpGuardianDelete:
		delete(st.Guardians, state.Pair{Guardian: d.UserID, Ward: d.Other})
		return []string{d.UserID, d.Other}, nil
	case OpLinkPut:
		if d.Link == nil {
			return nil, fmt.Errorf("delta %s: missing link", d.Op)
		}
		l := *d.Link
		if d.Hash != "" {
			l.Hash = d.Hash
		}
		if l.Hash == "" {
			return nil, fmt.Errorf("delta %s: missing hash", d.Op)
		}
		if links != nil {
			links.Put(l)
		}
		return nil, nil
	case OpLinkDelete:
		if links != nil {
			links.Revoke(d.Hash)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("delta: unknown op %q", d.Op)
	}
}
