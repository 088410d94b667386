package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypoint/internal/event"
	"waypoint/internal/presence"
	"waypoint/internal/sharelink"
	"waypoint/internal/state"
	"waypoint/internal/visibility"
)

type frame struct {
	conn string
	env  event.Envelope
}

type fakeTransport struct {
	frames []frame
	full   map[string]bool
}

func (f *fakeTransport) Send(connID string, b []byte) bool {
	if f.full[connID] {
		return false
	}
	var env event.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		panic(err)
	}
	f.frames = append(f.frames, frame{conn: connID, env: env})
	return true
}

func (f *fakeTransport) to(conn string) []string {
	var out []string
	for _, fr := range f.frames {
		if fr.conn == conn {
			out = append(out, fr.env.Type)
		}
	}
	return out
}

type fakeRemote struct {
	calls [][]string
}

func (f *fakeRemote) Deliver(users []string, out event.Outbound) {
	f.calls = append(f.calls, users)
}

type fixture struct {
	st     *state.State
	reg    *presence.Registry
	tr     *fakeTransport
	remote *fakeRemote
	g      *visibility.Graph
	r      *Router
	now    time.Time
}

// alice and bob share room R1; carol is alice's contact; dave is unrelated; root is a global admin.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := state.New()
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		st.UpsertUser(u, u, state.RoleUser)
	}
	st.UpsertUser("root", "root", state.RoleAdmin)
	_, err := st.CreateRoom("R1", "room", "alice", now)
	require.NoError(t, err)
	_, err = st.Join("R1", "bob")
	require.NoError(t, err)
	st.Contacts.Add("alice", "carol")

	reg := presence.NewRegistry()
	for _, u := range []string{"alice", "bob", "carol", "dave", "root"} {
		reg.Connect(u, state.RoleUser, u, "c-"+u, now)
	}
	g, err := visibility.New(st, 16)
	require.NoError(t, err)
	tr := &fakeTransport{full: map[string]bool{}}
	remote := &fakeRemote{}
	return &fixture{st: st, reg: reg, tr: tr, remote: remote, g: g, now: now,
		r: New(st, reg, g, tr, nil, WithRemote(remote))}
}

func TestEmitToVisible(t *testing.T) {
	f := newFixture(t)
	f.r.EmitToVisible("alice", event.New(event.UserUpdated, nil))

	assert.Equal(t, []string{"user:updated"}, f.tr.to("c-bob"), "co-member")
	assert.Equal(t, []string{"user:updated"}, f.tr.to("c-carol"), "contact")
	assert.Equal(t, []string{"user:updated"}, f.tr.to("c-root"), "global admin")
	assert.Empty(t, f.tr.to("c-dave"), "outside the graph")
	assert.Empty(t, f.tr.to("c-alice"), "subject excluded")

	f.tr.frames = nil
	f.r.EmitToVisibleAndSelf("alice", event.New(event.UserUpdated, nil))
	assert.Len(t, f.tr.to("c-alice"), 1)
}

func TestEmitToVisible_AdminIsNotVisibleToOthers(t *testing.T) {
	f := newFixture(t)
	f.r.EmitToVisible("root", event.New(event.UserUpdated, nil))
	assert.Empty(t, f.tr.to("c-alice"), "admins see everyone, not the reverse")
}

func TestEmitToUsers_ForwardsMissing(t *testing.T) {
	f := newFixture(t)
	f.r.EmitToUsers([]string{"bob", "ghost"}, event.New(event.ContactAdded, nil))
	assert.Len(t, f.tr.to("c-bob"), 1)
	require.Len(t, f.remote.calls, 1)
	assert.Equal(t, []string{"ghost"}, f.remote.calls[0])

	f.r.DeliverLocal([]string{"ghost"}, event.New(event.ContactAdded, nil))
	assert.Len(t, f.remote.calls, 1, "bridge deliveries are not re-forwarded")
}

func TestEmitToAdmins(t *testing.T) {
	f := newFixture(t)
	f.r.EmitToAdmins(event.New(event.CheckInOverdue, nil))
	assert.Len(t, f.tr.to("c-root"), 1)
	assert.Len(t, f.tr.frames, 1)
}

func TestEmitShaped(t *testing.T) {
	f := newFixture(t)
	aud := f.r.Audience("alice", true)
	f.r.EmitShaped(aud, func(viewer string) (event.Outbound, bool) {
		if viewer == "carol" {
			return event.Outbound{}, false
		}
		return event.New(event.SOSUpdate, map[string]bool{"privileged": viewer == "alice" || viewer == "root"}), true
	})
	assert.Empty(t, f.tr.to("c-carol"))
	for _, fr := range f.tr.frames {
		if fr.conn == "c-root" {
			assert.JSONEq(t, `{"privileged":true}`, string(fr.env.Data))
		}
		if fr.conn == "c-bob" {
			assert.JSONEq(t, `{"privileged":false}`, string(fr.env.Data))
		}
	}
}

func TestChannels(t *testing.T) {
	f := newFixture(t)
	key := ChannelKey{Kind: sharelink.KindWatch, ID: "h1"}
	assert.False(t, f.r.JoinChannel(key, "guest-1"), "channel not open")

	f.r.OpenChannel(key, "alice", nil)
	require.True(t, f.r.JoinChannel(key, "guest-1"))
	require.True(t, f.r.JoinChannel(key, "c-dave"))
	assert.Equal(t, []string{"c-dave", "guest-1"}, f.r.ChannelMembers(key))

	f.r.EmitToChannel(key, event.New(event.SOSUpdate, nil))
	assert.Len(t, f.tr.to("guest-1"), 1)

	f.r.LeaveChannels("c-dave")
	assert.Equal(t, []string{"guest-1"}, f.r.ChannelMembers(key))

	closed := f.r.CloseChannel(key, event.New(event.WatchExpired, nil))
	assert.Equal(t, []string{"guest-1"}, closed)
	assert.Equal(t, []string{"sos:update", "watch:expired"}, f.tr.to("guest-1"))
	assert.Empty(t, f.r.Joined("guest-1"))
	assert.False(t, f.r.JoinChannel(key, "guest-2"))
}

func TestChannels_ExpiredNotDeliveredBeforeSweep(t *testing.T) {
	f := newFixture(t)
	clk := clock.NewMock()
	clk.Set(f.now)
	f.r = New(f.st, f.reg, f.g, f.tr, nil, WithClock(clk), WithExpiryNotice(func(k ChannelKey) event.Outbound {
		return event.New(event.LiveExpired, map[string]string{"id": k.ID})
	}))
	live := ChannelKey{Kind: sharelink.KindLive, ID: "l1"}
	watch := ChannelKey{Kind: sharelink.KindWatch, ID: "w1"}
	expires := f.now.Add(time.Minute)
	f.r.OpenChannel(live, "alice", &expires)
	f.r.OpenChannel(watch, "alice", nil)
	require.True(t, f.r.JoinChannel(live, "guest-1"))
	require.True(t, f.r.JoinChannel(watch, "guest-2"))

	clk.Add(time.Minute)
	f.r.QueuePosition("alice", presence.Position{Lat: 1})
	require.Equal(t, 1, f.r.Flush())

	assert.Equal(t, []string{"live:expired"}, f.tr.to("guest-1"), "notice only, no update")
	assert.Equal(t, []string{"watch:update"}, f.tr.to("guest-2"), "unexpired channel still served")
	assert.Empty(t, f.r.ChannelMembers(live))
	assert.Equal(t, []ChannelKey{watch}, f.r.ChannelsOwnedBy("alice"))

	f.r.QueuePosition("alice", presence.Position{Lat: 2})
	f.r.Flush()
	assert.Equal(t, []string{"live:expired"}, f.tr.to("guest-1"), "notice sent once")
	assert.False(t, f.r.JoinChannel(live, "guest-3"))

	f.r.CloseChannel(live, event.New(event.LiveExpired, nil))
	assert.Equal(t, []string{"live:expired"}, f.tr.to("guest-1"), "sweep after lazy close is silent")
}

func TestChannels_JoinRefusedOnceExpired(t *testing.T) {
	f := newFixture(t)
	clk := clock.NewMock()
	clk.Set(f.now)
	f.r = New(f.st, f.reg, f.g, f.tr, nil, WithClock(clk))
	key := ChannelKey{Kind: sharelink.KindWatch, ID: "w1"}
	expires := f.now.Add(time.Hour)
	f.r.OpenChannel(key, "alice", &expires)
	require.True(t, f.r.JoinChannel(key, "guest-1"))

	clk.Add(time.Hour)
	assert.False(t, f.r.JoinChannel(key, "guest-2"))
	assert.Equal(t, []string{"watch:expired"}, f.tr.to("guest-1"), "default notice")
	assert.Empty(t, f.tr.to("guest-2"))
}

func TestFlush_CoalescesLatest(t *testing.T) {
	f := newFixture(t)
	key := ChannelKey{Kind: sharelink.KindLive, ID: "l1"}
	f.r.OpenChannel(key, "alice", nil)
	f.r.JoinChannel(key, "guest-1")
	f.r.JoinChannel(key, "c-bob")

	for i := 0; i < 5; i++ {
		f.r.QueuePosition("alice", presence.Position{Lat: float64(i)})
	}
	assert.Equal(t, 1, f.r.PendingPositions())
	require.Equal(t, 1, f.r.Flush())

	assert.Equal(t, []string{"position:update"}, f.tr.to("c-bob"), "graph viewer gets one copy")
	assert.Equal(t, []string{"live:update"}, f.tr.to("guest-1"))
	assert.Empty(t, f.tr.to("c-dave"))
	for _, fr := range f.tr.frames {
		var p PositionPayload
		require.NoError(t, json.Unmarshal(fr.env.Data, &p))
		assert.Equal(t, 4.0, p.Position.Lat, "latest sample wins")
	}
	assert.Zero(t, f.r.Flush())
}

func TestDroppedFrames(t *testing.T) {
	f := newFixture(t)
	f.tr.full["c-bob"] = true
	f.r.EmitToConn("c-bob", event.New(event.UserUpdated, nil))
	assert.Empty(t, f.tr.frames)
}
