// Package broadcast fans outbound events out to connections: visibility-scoped, user-scoped,
// admin-scoped and share-channel-scoped, with coalesced position updates.
//
// A Router is owned by the event loop and carries no locks. Transport.Send must not block.
package broadcast

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"waypoint/internal/event"
	"waypoint/internal/metrics"
	"waypoint/internal/presence"
	"waypoint/internal/relation"
	"waypoint/internal/state"
	"waypoint/internal/visibility"
)

// Transport queues an encoded frame for a connection. It returns false when the connection is
// unknown or its buffer is full; the frame is then dropped.
type Transport interface {
	Send(connID string, frame []byte) bool
}

// Remote forwards user-scoped deliveries to other nodes.
type Remote interface {
	Deliver(users []string, out event.Outbound)
}

// Router delivers outbound events.
type Router struct {
	st       *state.State
	presence *presence.Registry
	graph    *visibility.Graph
	tr       Transport
	remote   Remote
	metrics  *metrics.Metrics
	log      *zap.Logger
	clock    clock.Clock

	expiryNotice func(ChannelKey) event.Outbound

	channels  map[ChannelKey]*channel
	joined    map[string]map[ChannelKey]struct{}
	positions map[string]presence.Position
}

// Option configures a Router.
type Option func(*Router)

// WithRemote forwards deliveries for users not connected locally.
func WithRemote(r Remote) Option { return func(rt *Router) { rt.remote = r } }

// WithMetrics records delivery counts.
func WithMetrics(m *metrics.Metrics) Option { return func(rt *Router) { rt.metrics = m } }

// WithClock sets the clock used to expire share channels.
func WithClock(c clock.Clock) Option {
	return func(rt *Router) {
		if c != nil {
			rt.clock = c
		}
	}
}

// WithExpiryNotice sets the event sent to members of a channel found expired.
func WithExpiryNotice(f func(ChannelKey) event.Outbound) Option {
	return func(rt *Router) { rt.expiryNotice = f }
}

// New returns a Router.
func New(st *state.State, reg *presence.Registry, g *visibility.Graph, tr Transport, log *zap.Logger, opts ...Option) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		st:        st,
		presence:  reg,
		graph:     g,
		tr:        tr,
		log:       log,
		clock:     clock.New(),
		channels:  make(map[ChannelKey]*channel),
		joined:    make(map[string]map[ChannelKey]struct{}),
		positions: make(map[string]presence.Position),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) encode(out event.Outbound) ([]byte, bool) {
	frame, err := out.Encode()
	if err != nil {
		r.log.Error("broadcast: encode failed", zap.String("event", string(out.Name)), zap.Error(err))
		return nil, false
	}
	return frame, true
}

func (r *Router) send(connID string, frame []byte) bool {
	if r.tr.Send(connID, frame) {
		return true
	}
	r.metrics.Dropped()
	return false
}

// EmitToConn sends out to one connection.
func (r *Router) EmitToConn(connID string, out event.Outbound) {
	frame, ok := r.encode(out)
	if !ok {
		return
	}
	if r.send(connID, frame) {
		r.metrics.Delivered("conn", 1)
	}
}

// EmitToUsers sends out to the live connection of each user. Users not connected here are
// forwarded to the remote, if any.
func (r *Router) EmitToUsers(users []string, out event.Outbound) {
	r.deliver("users", relation.SetOf(users...), out, true)
}

// DeliverLocal sends out to users connected to this node only. Used for bridge deliveries.
func (r *Router) DeliverLocal(users []string, out event.Outbound) {
	r.deliver("users", relation.SetOf(users...), out, false)
}

func (r *Router) deliver(scope string, users relation.Set, out event.Outbound, forward bool) {
	if len(users) == 0 {
		return
	}
	frame, ok := r.encode(out)
	if !ok {
		return
	}
	n := 0
	var missing []string
	for _, u := range users.Sorted() {
		sess, live := r.presence.ByUser(u)
		if !live {
			missing = append(missing, u)
			continue
		}
		if r.send(sess.ConnID, frame) {
			n++
		}
	}
	r.metrics.Delivered(scope, n)
	if forward && r.remote != nil && len(missing) > 0 {
		r.remote.Deliver(missing, out)
	}
}

// Audience returns every user allowed to see subject: its visible set (which is symmetric for
// ordinary users) plus global admins. Subject itself is included only when withSelf is set.
func (r *Router) Audience(subject string, withSelf bool) relation.Set {
	aud := r.graph.VisibleSet(subject).Clone()
	for _, a := range r.st.Admins() {
		aud[a] = struct{}{}
	}
	if withSelf {
		aud[subject] = struct{}{}
	} else {
		delete(aud, subject)
	}
	return aud
}

// EmitToVisible sends out to every user that can see subject, excluding subject.
func (r *Router) EmitToVisible(subject string, out event.Outbound) {
	r.deliver("visible", r.Audience(subject, false), out, true)
}

// EmitToVisibleAndSelf sends out to every user that can see subject, including subject.
func (r *Router) EmitToVisibleAndSelf(subject string, out event.Outbound) {
	r.deliver("visible", r.Audience(subject, true), out, true)
}

// EmitToAdmins sends out to every global admin.
func (r *Router) EmitToAdmins(out event.Outbound) {
	r.deliver("admins", relation.SetOf(r.st.Admins()...), out, true)
}

// EmitShaped sends a per-viewer payload to users. shape returns false to skip a viewer.
// Viewers not connected locally are forwarded with their own shaped payload.
func (r *Router) EmitShaped(users relation.Set, shape func(viewer string) (event.Outbound, bool)) {
	n := 0
	for _, u := range users.Sorted() {
		out, ok := shape(u)
		if !ok {
			continue
		}
		sess, live := r.presence.ByUser(u)
		if !live {
			if r.remote != nil {
				r.remote.Deliver([]string{u}, out)
			}
			continue
		}
		frame, ok := r.encode(out)
		if ok && r.send(sess.ConnID, frame) {
			n++
		}
	}
	r.metrics.Delivered("visible", n)
}
