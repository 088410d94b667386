package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypoint/internal/consensus"
	"waypoint/internal/event"
	"waypoint/internal/state"
)

func TestRoom_CreateJoinLeave(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")

	h.send(a, event.CreateRoom{Name: "family"})
	var rv RoomView
	require.True(t, h.last(a, event.RoomCreated, &rv))
	assert.Len(t, rv.Code, 6)
	assert.True(t, h.e.st.RoomAdmin(rv.Code, "alice", h.e.now()), "creator is room admin")
	assert.False(t, h.e.graph.CanSee("bob", "alice"))

	h.send(b, event.JoinRoom{Code: rv.Code})
	assert.True(t, h.e.graph.CanSee("bob", "alice"))
	var members RoomView
	require.True(t, h.last(a, event.RoomMembers, &members))
	assert.Len(t, members.Members, 2)
	var refresh RefreshPayload
	require.True(t, h.last(a, event.VisibilityRefresh, &refresh))
	require.Len(t, refresh.Users, 1)
	assert.Equal(t, "bob", refresh.Users[0].UserID)

	h.send(b, event.LeaveRoom{Code: rv.Code})
	assert.False(t, h.e.graph.CanSee("bob", "alice"))
	assert.Equal(t, 1, h.count(a, event.RoomLeft))

	h.send(b, event.JoinRoom{Code: "NOPE99"})
	p, ok := h.lastError(b)
	require.True(t, ok)
	assert.Equal(t, event.CodeNotFound, p.Code)
}

func TestRoom_DuplicateCode(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.send(a, event.CreateRoom{Name: "one", Code: "ABC123"})
	h.send(b, event.CreateRoom{Name: "two", Code: "ABC123"})
	p, ok := h.lastError(b)
	require.True(t, ok)
	assert.Equal(t, event.CodeConflict, p.Code)
	assert.Equal(t, "one", h.e.st.Rooms["ABC123"].Name)
}

func TestRoom_JoinPersistFailureReverts(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.room("ROOM01", "alice")
	h.mem.FailNext("UpsertMember", errors.New("db down"))

	h.send(b, event.JoinRoom{Code: "ROOM01"})
	assert.True(t, h.e.graph.CanSee("alice", "bob"))
	h.settle()
	assert.False(t, h.e.st.IsMember("ROOM01", "bob"))
	assert.False(t, h.e.graph.CanSee("alice", "bob"))
	assert.Equal(t, 1, h.count(a, event.RoomLeft))
	p, ok := h.lastError(b)
	require.True(t, ok)
	assert.Equal(t, event.CodePersistenceFailed, p.Code)
	assert.Equal(t, event.KindJoinRoom, p.Event)
}

func TestRoomAdmin_TwoMemberRoomPromotesOnSingleApproval(t *testing.T) {
	h := newHarness(t)
	x, y := h.connect("x"), h.connect("y")
	h.room("ABC123", "x", "y")
	assert.True(t, h.e.st.RoomAdmin("ABC123", "x", h.e.now()))

	h.send(y, event.RequestRoomAdmin{Code: "ABC123"})
	var tally consensus.Tally
	require.True(t, h.last(x, event.RoomAdminRequest, &tally))
	assert.Equal(t, 1, tally.Eligible)
	assert.Equal(t, 1, tally.Needed)
	assert.Equal(t, consensus.Pending, tally.Outcome)

	h.send(x, event.VoteRoomAdmin{Code: "ABC123", Target: "y", Approve: true})
	assert.True(t, h.e.st.RoomAdmin("ABC123", "y", h.e.now()))
	require.True(t, h.last(y, event.RoomAdminResult, &tally))
	assert.Equal(t, consensus.Promoted, tally.Outcome)
	assert.Empty(t, h.e.st.Ballots)
}

func TestRoomAdmin_MajorityWithChangedVote(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		h.connect(u)
	}
	h.room("TEAM01", "a", "b", "c", "d", "e")

	h.send(conn("e"), event.RequestRoomAdmin{Code: "TEAM01"})
	h.send(conn("b"), event.VoteRoomAdmin{Code: "TEAM01", Target: "e", Approve: true})
	h.send(conn("c"), event.VoteRoomAdmin{Code: "TEAM01", Target: "e", Approve: true})
	h.send(conn("c"), event.VoteRoomAdmin{Code: "TEAM01", Target: "e", Approve: false})
	var tally consensus.Tally
	require.True(t, h.last(conn("e"), event.RoomAdminRequest, &tally))
	assert.Equal(t, 1, tally.Approvals, "the changed vote replaced the approval")
	assert.Equal(t, 1, tally.Denials)
	assert.Equal(t, 3, tally.Needed)

	h.send(conn("d"), event.VoteRoomAdmin{Code: "TEAM01", Target: "e", Approve: false})
	h.send(conn("a"), event.VoteRoomAdmin{Code: "TEAM01", Target: "e", Approve: false})
	require.True(t, h.last(conn("e"), event.RoomAdminResult, &tally))
	assert.Equal(t, consensus.Denied, tally.Outcome)
	assert.Equal(t, 3, tally.Denials)
	assert.False(t, h.e.st.RoomAdmin("TEAM01", "e", h.e.now()))
	assert.Empty(t, h.e.st.Ballots)
}

func TestRoomAdmin_TimeBoxedGrantAndRevoke(t *testing.T) {
	h := newHarness(t)
	x, y := h.connect("x"), h.connect("y")
	h.room("ROOM01", "x", "y")

	h.send(y, event.RequestRoomAdmin{Code: "ROOM01", TTLMinutes: 30})
	h.send(x, event.VoteRoomAdmin{Code: "ROOM01", Target: "y", Approve: true})
	require.True(t, h.e.st.RoomAdmin("ROOM01", "y", h.e.now()))
	h.clk.Add(31 * time.Minute)
	assert.False(t, h.e.st.RoomAdmin("ROOM01", "y", h.e.now()), "expired grant is not honored")

	h.send(y, event.RequestRoomAdmin{Code: "ROOM01"})
	h.send(x, event.VoteRoomAdmin{Code: "ROOM01", Target: "y", Approve: true})
	require.True(t, h.e.st.RoomAdmin("ROOM01", "y", h.e.now()))

	h.send(x, event.RevokeRoomAdmin{Code: "ROOM01", UserID: "y"})
	assert.False(t, h.e.st.RoomAdmin("ROOM01", "y", h.e.now()))
	var p RoomAdminPayload
	require.True(t, h.last(y, event.RoomAdminRevoked, &p))
	assert.Equal(t, "x", p.By)

	h.send(y, event.RevokeRoomAdmin{Code: "ROOM01", UserID: "x"})
	e, ok := h.lastError(y)
	require.True(t, ok)
	assert.Equal(t, event.CodePermissionDenied, e.Code)
}

func TestRoom_CollectedWhenEmptyPastRetention(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.room("ROOM01", "alice")
	h.send(a, event.LeaveRoom{Code: "ROOM01"})

	h.e.sweep()
	assert.Contains(t, h.e.st.Rooms, "ROOM01", "inside the retention window")
	h.clk.Add(24 * time.Hour)
	h.e.sweep()
	assert.NotContains(t, h.e.st.Rooms, "ROOM01")
	assert.Contains(t, h.mem.Calls(), "DeleteRoom")
}

func TestRoom_LeaveFailureRestoresBallots(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"alice", "bob", "carol", "dave", "erin"} {
		h.connect(u)
	}
	h.room("ROOM01", "alice", "bob", "carol", "dave", "erin")
	h.send(conn("bob"), event.RequestRoomAdmin{Code: "ROOM01"})
	h.send(conn("carol"), event.VoteRoomAdmin{Code: "ROOM01", Target: "bob", Approve: true})
	h.send(conn("carol"), event.RequestRoomAdmin{Code: "ROOM01"})
	h.send(conn("dave"), event.VoteRoomAdmin{Code: "ROOM01", Target: "carol", Approve: false})
	bobKey := state.BallotKey{Room: "ROOM01", Target: "bob"}
	carolKey := state.BallotKey{Room: "ROOM01", Target: "carol"}
	require.Contains(t, h.e.st.Ballots, bobKey)
	require.Contains(t, h.e.st.Ballots, carolKey)

	h.mem.FailNext("DeleteMember", assert.AnError)
	h.send(conn("carol"), event.LeaveRoom{Code: "ROOM01"})
	require.NotContains(t, h.e.st.Ballots, carolKey)
	require.False(t, h.e.st.Ballots[bobKey].Approvals.Has("carol"))

	h.settle()
	assert.True(t, h.e.st.IsMember("ROOM01", "carol"))
	assert.True(t, h.e.st.Ballots[bobKey].Approvals.Has("carol"), "vote restored")
	require.Contains(t, h.e.st.Ballots, carolKey, "ballot restored")
	assert.True(t, h.e.st.Ballots[carolKey].Denials.Has("dave"))
	p, ok := h.lastError(conn("carol"))
	require.True(t, ok)
	assert.Equal(t, event.CodePersistenceFailed, p.Code)
}
