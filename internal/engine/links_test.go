package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypoint/internal/event"
)

func TestLiveLink_JoinUpdateRevoke(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.send(a, event.CreateLiveLink{TTLMinutes: 30})

	var created LinkPayload
	require.True(t, h.last(a, event.LiveCreated, &created))
	require.NotEmpty(t, created.Token)
	require.Len(t, created.ID, 64)
	require.NotNil(t, created.ExpiresAt)
	assert.True(t, t0.Add(30*time.Minute).Equal(*created.ExpiresAt))
	assert.Contains(t, h.mem.Calls(), "PutLink")

	g := h.guest("guest-1")
	h.send(g, event.JoinLive{Token: created.Token})
	var joined ChannelJoinedPayload
	require.True(t, h.last(g, event.LiveJoined, &joined))
	assert.Equal(t, created.ID, joined.ID)
	assert.Equal(t, "alice", joined.Owner.UserID)

	h.send(a, event.PositionSample{Lat: 1, Lng: 1})
	h.e.router.Flush()
	assert.Equal(t, 1, h.count(g, event.LiveUpdate))

	h.send(a, event.RevokeLiveLink{ID: created.ID})
	var notice LinkPayload
	require.True(t, h.last(g, event.LiveExpired, &notice))
	assert.Equal(t, "revoked", notice.Reason)
	assert.Equal(t, 1, h.count(a, event.LiveRevoked))
	assert.Zero(t, h.e.links.Len())

	h.clk.Add(time.Second)
	h.send(a, event.PositionSample{Lat: 2, Lng: 2})
	h.e.router.Flush()
	assert.Equal(t, 1, h.count(g, event.LiveUpdate), "detached after revoke")
}

func TestLiveLink_OnlyOwnerOrAdminRevokes(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	root := h.admin("root")
	h.send(a, event.CreateLiveLink{})
	var created LinkPayload
	require.True(t, h.last(a, event.LiveCreated, &created))
	assert.Nil(t, created.ExpiresAt)

	h.send(b, event.RevokeLiveLink{ID: created.ID})
	p, ok := h.lastError(b)
	require.True(t, ok)
	assert.Equal(t, event.CodeNotFound, p.Code)
	assert.Equal(t, 1, h.e.links.Len())

	h.send(root, event.RevokeLiveLink{ID: created.ID})
	assert.Zero(t, h.e.links.Len())
	assert.Equal(t, 1, h.count(a, event.LiveRevoked))
	assert.Equal(t, 1, h.count(root, event.LiveRevoked))
}

func TestLiveLink_PersistFailureRevokes(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.mem.FailNext("PutLink", assert.AnError)
	h.send(a, event.CreateLiveLink{})
	var created LinkPayload
	require.True(t, h.last(a, event.LiveCreated, &created))

	h.settle()
	assert.Zero(t, h.e.links.Len())
	assert.Equal(t, 1, h.count(a, event.LiveRevoked))
	p, ok := h.lastError(a)
	require.True(t, ok)
	assert.Equal(t, event.CodePersistenceFailed, p.Code)

	g := h.guest("guest-1")
	h.send(g, event.JoinLive{Token: created.Token})
	assert.Zero(t, h.count(g, event.LiveJoined))
}

func TestLiveLink_ExpiresOnSweep(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.send(a, event.CreateLiveLink{TTLMinutes: 1})
	var created LinkPayload
	require.True(t, h.last(a, event.LiveCreated, &created))
	g := h.guest("guest-1")
	h.send(g, event.JoinLive{Token: created.Token})

	h.clk.Add(2 * time.Minute)
	h.e.sweep()
	var notice LinkPayload
	require.True(t, h.last(g, event.LiveExpired, &notice))
	assert.Equal(t, "expired", notice.Reason)
	assert.Contains(t, h.mem.Calls(), "DeleteLink")
}

func TestLiveLink_ExpiredNotDeliveredBeforeSweep(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.send(a, event.CreateLiveLink{TTLMinutes: 1})
	var created LinkPayload
	require.True(t, h.last(a, event.LiveCreated, &created))
	g := h.guest("guest-1")
	h.send(g, event.JoinLive{Token: created.Token})
	require.Equal(t, 1, h.count(g, event.LiveJoined))

	h.clk.Add(90 * time.Second)
	h.send(a, event.PositionSample{Lat: 1, Lng: 1})
	h.e.router.Flush()
	assert.Zero(t, h.count(g, event.LiveUpdate))
	var notice LinkPayload
	require.True(t, h.last(g, event.LiveExpired, &notice))
	assert.Equal(t, "expired", notice.Reason)
	assert.Equal(t, created.ID, notice.ID)

	h.e.sweep()
	assert.Equal(t, 1, h.count(g, event.LiveExpired), "sweep does not repeat the notice")
	assert.Contains(t, h.mem.Calls(), "DeleteLink")
	assert.Zero(t, h.e.links.Len())
}

func TestWatchToken_ExpiredNotDeliveredBeforeSweep(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect("alice"), h.connect("bob")
	h.room("ROOM01", "alice", "bob")
	h.send(a, event.TriggerSOS{Reason: "help"})
	var self SOSPayload
	require.True(t, h.last(a, event.SOSUpdate, &self))
	g := h.guest("guest-1")
	h.send(g, event.JoinWatch{Token: self.WatchToken})
	require.Equal(t, 1, h.count(g, event.WatchJoined))

	h.clk.Add(61 * time.Minute)
	h.send(b, event.AckSOS{UserID: "alice"})
	h.send(a, event.PositionSample{Lat: 1, Lng: 1})
	h.e.router.Flush()
	assert.Zero(t, h.count(g, event.SOSUpdate))
	assert.Zero(t, h.count(g, event.WatchUpdate))
	assert.Equal(t, 1, h.count(g, event.WatchExpired))

	sess, _ := h.e.presence.ByUser("alice")
	assert.True(t, sess.Safety.SOS.Active, "the token lapses independently of the SOS")
}
