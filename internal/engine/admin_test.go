package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypoint/internal/event"
)

func TestAdminDelete_PurgesEverywhere(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	root := h.admin("root")
	h.room("ROOM01", "alice", "bob")
	h.send(a, event.AddContact{UserID: "bob"})
	h.send(b, event.CreateLiveLink{})
	var created LinkPayload
	require.True(t, h.last(b, event.LiveCreated, &created))
	g := h.guest("guest-1")
	h.send(g, event.JoinLive{Token: created.Token})
	h.reset()

	h.send(root, event.AdminDeleteUser{UserID: "bob"})

	assert.Contains(t, h.tr.closed, b)
	assert.False(t, h.e.presence.Online("bob"))
	_, known := h.e.st.Users["bob"]
	assert.False(t, known)
	assert.False(t, h.e.st.IsMember("ROOM01", "bob"))
	assert.False(t, h.e.st.Contacts.Has("alice", "bob"))
	assert.Zero(t, h.e.links.Len())
	assert.Contains(t, h.mem.Calls(), "DeleteUser")

	var p PresencePayload
	require.True(t, h.last(a, event.UserDisconnected, &p))
	assert.Equal(t, "deleted", p.Reason)
	var cp ContactPayload
	require.True(t, h.last(a, event.ContactRemoved, &cp))
	assert.Equal(t, "bob", cp.UserID)
	assert.Equal(t, 1, h.count(a, event.RoomLeft))
	var notice LinkPayload
	require.True(t, h.last(g, event.LiveExpired, &notice))
	assert.Equal(t, "deleted", notice.Reason)

	_, offline := h.e.presence.Offline("bob", h.clk.Now())
	assert.False(t, offline, "no retention after deletion")
}

func TestAdminDelete_RequiresAdmin(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.connect("bob")
	h.reset()

	h.send(a, event.AdminDeleteUser{UserID: "bob"})
	assert.Empty(t, h.names(a), "silently refused")
	assert.True(t, h.e.presence.Online("bob"))
	assert.NotContains(t, h.mem.Calls(), "DeleteUser")
}

func TestAdminDelete_SelfAndUnknown(t *testing.T) {
	h := newHarness(t)
	root := h.admin("root")

	h.send(root, event.AdminDeleteUser{UserID: "root"})
	p, ok := h.lastError(root)
	require.True(t, ok)
	assert.Equal(t, event.CodeConflict, p.Code)

	h.send(root, event.AdminDeleteUser{UserID: "ghost"})
	p, ok = h.lastError(root)
	require.True(t, ok)
	assert.Equal(t, event.CodeNotFound, p.Code)
}

func TestAdminDelete_OfflineUser(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	root := h.admin("root")
	h.room("ROOM01", "alice", "bob")
	h.e.handle(disconnectMsg{connID: b})
	h.reset()

	h.send(root, event.AdminDeleteUser{UserID: "bob"})
	var p PresencePayload
	require.True(t, h.last(a, event.UserDisconnected, &p))
	assert.Equal(t, "deleted", p.Reason)
	_, offline := h.e.presence.Offline("bob", h.clk.Now())
	assert.False(t, offline)
}

func TestAdminOverview(t *testing.T) {
	h := newHarness(t)
	h.connect("alice")
	b := h.connect("bob")
	root := h.admin("root")
	h.room("ROOM01", "alice")
	h.e.handle(disconnectMsg{connID: b})

	h.send(root, event.AdminOverview{})
	var o OverviewPayload
	require.True(t, h.last(root, event.AdminOverviewName, &o))
	assert.Len(t, o.Live, 2, "alice and root")
	require.Len(t, o.Offline, 1)
	assert.Equal(t, "bob", o.Offline[0].UserID)
	require.Len(t, o.Rooms, 1)
	assert.Equal(t, "ROOM01", o.Rooms[0].Code)

	h.reset()
	h.send(conn("alice"), event.AdminOverview{})
	assert.Zero(t, h.count(conn("alice"), event.AdminOverviewName))
}
