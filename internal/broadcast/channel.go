package broadcast

import (
	"sort"
	"time"

	"waypoint/internal/event"
	"waypoint/internal/sharelink"
)

// ChannelKey identifies a share channel by link kind and link hash.
type ChannelKey struct {
	Kind sharelink.Kind
	ID   string
}

type channel struct {
	owner     string
	expiresAt *time.Time
	members   map[string]struct{}
}

func (ch *channel) expired(now time.Time) bool {
	return ch.expiresAt != nil && !now.Before(*ch.expiresAt)
}

// OpenChannel registers the channel for a link owned by owner, expiring at expiresAt (nil never
// expires). Opening an open channel is a no-op.
func (r *Router) OpenChannel(key ChannelKey, owner string, expiresAt *time.Time) {
	if _, ok := r.channels[key]; ok {
		return
	}
	r.channels[key] = &channel{owner: owner, expiresAt: expiresAt, members: make(map[string]struct{})}
}

// expireIfDue closes key with the expiry notice when its link has lapsed. An expired channel is
// never delivered to, whether or not the link sweep has run yet.
func (r *Router) expireIfDue(key ChannelKey) bool {
	ch, ok := r.channels[key]
	if !ok || !ch.expired(r.clock.Now()) {
		return false
	}
	notice := event.New(event.LiveExpired, nil)
	if key.Kind == sharelink.KindWatch {
		notice = event.New(event.WatchExpired, nil)
	}
	if r.expiryNotice != nil {
		notice = r.expiryNotice(key)
	}
	r.CloseChannel(key, notice)
	return true
}

// JoinChannel attaches connID to an open channel. Returns false if the channel is not open or expired.
func (r *Router) JoinChannel(key ChannelKey, connID string) bool {
	if r.expireIfDue(key) {
		return false
	}
	ch, ok := r.channels[key]
	if !ok {
		return false
	}
	ch.members[connID] = struct{}{}
	keys := r.joined[connID]
	if keys == nil {
		keys = make(map[ChannelKey]struct{})
		r.joined[connID] = keys
	}
	keys[key] = struct{}{}
	return true
}

// LeaveChannels detaches connID from every channel it joined.
func (r *Router) LeaveChannels(connID string) {
	for key := range r.joined[connID] {
		if ch, ok := r.channels[key]; ok {
			delete(ch.members, connID)
		}
	}
	delete(r.joined, connID)
}

// ChannelMembers returns the connections attached to key, ordered.
func (r *Router) ChannelMembers(key ChannelKey) []string {
	ch, ok := r.channels[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.members))
	for c := range ch.members {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ChannelsOwnedBy returns the open channels whose link belongs to owner. Channels found expired are
// closed and left out.
func (r *Router) ChannelsOwnedBy(owner string) []ChannelKey {
	var out, lapsed []ChannelKey
	now := r.clock.Now()
	for k, ch := range r.channels {
		if ch.owner != owner {
			continue
		}
		if ch.expired(now) {
			lapsed = append(lapsed, k)
			continue
		}
		out = append(out, k)
	}
	for _, k := range lapsed {
		r.expireIfDue(k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EmitToChannel sends out to every connection attached to key.
func (r *Router) EmitToChannel(key ChannelKey, out event.Outbound) {
	r.emitChannel(key, out, nil)
}

// EmitToOwnedChannels sends out to every channel owned by owner that matches kind, or all kinds when kind is empty.
func (r *Router) EmitToOwnedChannels(owner string, kind sharelink.Kind, out event.Outbound) {
	for _, k := range r.ChannelsOwnedBy(owner) {
		if kind == "" || k.Kind == kind {
			r.emitChannel(k, out, nil)
		}
	}
}

func (r *Router) emitChannel(key ChannelKey, out event.Outbound, skip map[string]struct{}) int {
	if r.expireIfDue(key) {
		return 0
	}
	return r.fanout(r.ChannelMembers(key), out, skip)
}

func (r *Router) fanout(members []string, out event.Outbound, skip map[string]struct{}) int {
	if len(members) == 0 {
		return 0
	}
	frame, ok := r.encode(out)
	if !ok {
		return 0
	}
	n := 0
	for _, c := range members {
		if _, s := skip[c]; s {
			continue
		}
		if r.send(c, frame) {
			n++
		}
	}
	r.metrics.Delivered("channel", n)
	return n
}

// CloseChannel sends notice to every member, detaches them and forgets the channel.
// It returns the connections that were attached.
func (r *Router) CloseChannel(key ChannelKey, notice event.Outbound) []string {
	members := r.ChannelMembers(key)
	r.fanout(members, notice, nil)
	for _, c := range members {
		if keys := r.joined[c]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(r.joined, c)
			}
		}
	}
	delete(r.channels, key)
	return members
}

// Joined returns the channels connID is attached to.
func (r *Router) Joined(connID string) []ChannelKey {
	out := make([]ChannelKey, 0, len(r.joined[connID]))
	for k := range r.joined[connID] {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
