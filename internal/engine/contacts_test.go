package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypoint/internal/event"
	"waypoint/internal/state"
)

func TestContact_AddAndRemoveMirrored(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.room("ROOM01", "alice", "bob")
	h.reset()

	h.send(a, event.AddContact{UserID: "bob"})
	assert.True(t, h.e.st.Contacts.Has("alice", "bob"))
	assert.True(t, h.e.st.Contacts.Has("bob", "alice"))
	var p ContactPayload
	require.True(t, h.last(b, event.ContactAdded, &p))
	assert.Equal(t, "alice", p.UserID)

	h.send(b, event.RemoveContact{UserID: "alice"})
	assert.False(t, h.e.st.Contacts.Has("alice", "bob"))
	assert.False(t, h.e.st.Contacts.Has("bob", "alice"))
	require.True(t, h.last(a, event.ContactRemoved, &p))
	assert.Equal(t, "bob", p.UserID)
	assert.Contains(t, h.mem.Calls(), "AddContact")
	assert.Contains(t, h.mem.Calls(), "RemoveContact")
}

func TestContact_RequiresSharedRoom(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.connect("carol")

	h.send(a, event.AddContact{UserID: "carol"})
	assert.False(t, h.e.st.Contacts.Has("alice", "carol"))
	p, ok := h.lastError(a)
	require.True(t, ok)
	assert.Equal(t, event.CodePermissionDenied, p.Code)

	h.send(a, event.AddContact{UserID: "ghost"})
	p, _ = h.lastError(a)
	assert.Equal(t, event.CodeNotFound, p.Code)
}

func TestContact_PersistFailureReverts(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.room("ROOM01", "alice", "bob")
	h.mem.FailNext("AddContact", errors.New("db down"))

	h.send(a, event.AddContact{UserID: "bob"})
	assert.True(t, h.e.st.Contacts.Has("alice", "bob"), "optimistic")

	h.settle()
	assert.False(t, h.e.st.Contacts.Has("alice", "bob"))
	assert.False(t, h.e.st.Contacts.Has("bob", "alice"))
	p, ok := h.lastError(a)
	require.True(t, ok)
	assert.Equal(t, event.CodePersistenceFailed, p.Code)
	assert.Equal(t, event.KindAddContact, p.Event)
	assert.Equal(t, 1, h.count(b, event.ContactRemoved))
}

func TestContact_RemoveDropsGuardianship(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.room("ROOM01", "alice", "bob")
	h.send(a, event.AddContact{UserID: "bob"})
	h.send(a, event.GuardianRequest{WardID: "bob"})
	h.send(b, event.GuardianApprove{UserID: "alice"})
	require.True(t, h.e.authority.ActiveGuardian("alice", "bob", h.e.now()))

	h.send(b, event.RemoveContact{UserID: "alice"})
	assert.Empty(t, h.e.st.Guardians)
	var g state.Guardianship
	require.True(t, h.last(a, event.GuardianUpdate, &g))
	assert.Equal(t, state.GuardianRevoked, g.Status)
	assert.Contains(t, h.mem.Calls(), "DeleteGuardianship")
}

func TestGuardian_DenyThenRequestAgain(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.room("ROOM01", "alice", "bob")
	h.send(a, event.AddContact{UserID: "bob"})

	h.send(a, event.GuardianRequest{WardID: "bob"})
	g, ok := h.e.st.Guardians[state.Pair{Guardian: "alice", Ward: "bob"}]
	require.True(t, ok)
	assert.Equal(t, state.GuardianPending, g.Status)
	var seen state.Guardianship
	require.True(t, h.last(b, event.GuardianUpdate, &seen))
	assert.Equal(t, state.InitiatedByGuardian, seen.InitiatedBy)

	h.send(b, event.GuardianDeny{UserID: "alice"})
	assert.Empty(t, h.e.st.Guardians)
	assert.False(t, h.e.authority.ActiveGuardian("alice", "bob", h.e.now()))
	require.True(t, h.last(a, event.GuardianUpdate, &seen))
	assert.Equal(t, state.GuardianRevoked, seen.Status)

	h.reset()
	h.send(a, event.GuardianRequest{WardID: "bob"})
	_, errSent := h.lastError(a)
	assert.False(t, errSent)
	assert.Len(t, h.e.st.Guardians, 1)
}

func TestGuardian_InviteDecidedByGuardian(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.room("ROOM01", "alice", "bob")
	h.send(a, event.AddContact{UserID: "bob"})

	h.send(b, event.GuardianInvite{GuardianID: "alice"})
	h.send(b, event.GuardianApprove{UserID: "alice"})
	p, ok := h.lastError(b)
	require.True(t, ok, "the ward cannot approve its own invite")
	assert.Equal(t, event.CodePermissionDenied, p.Code)

	h.send(a, event.GuardianApprove{UserID: "bob"})
	assert.True(t, h.e.authority.ActiveGuardian("alice", "bob", h.e.now()))

	h.send(b, event.GuardianRevoke{UserID: "alice"})
	p, _ = h.lastError(b)
	assert.Equal(t, event.CodePermissionDenied, p.Code, "only the guardian revokes an active guardianship")
	h.send(a, event.GuardianRevoke{UserID: "bob"})
	assert.Empty(t, h.e.st.Guardians)
}

func TestGuardian_RequiresContact(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.connect("bob")
	h.room("ROOM01", "alice", "bob")

	h.send(a, event.GuardianRequest{WardID: "bob"})
	assert.Empty(t, h.e.st.Guardians)
	p, ok := h.lastError(a)
	require.True(t, ok)
	assert.Equal(t, event.CodePermissionDenied, p.Code)
}
