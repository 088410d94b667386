package engine

import (
	"context"
	"fmt"
	"time"

	"waypoint/internal/bridge"
	"waypoint/internal/broadcast"
	"waypoint/internal/event"
	"waypoint/internal/sharelink"
	"waypoint/internal/store"
)

func channelKey(l sharelink.Link) broadcast.ChannelKey {
	return broadcast.ChannelKey{Kind: l.Kind, ID: l.Hash}
}

// expiryNotice is the event sent to channel members when a link goes away.
func expiryNotice(kind sharelink.Kind, hash, reason string) event.Outbound {
	name := event.LiveExpired
	if kind == sharelink.KindWatch {
		name = event.WatchExpired
	}
	return event.New(name, LinkPayload{ID: hash, Reason: reason})
}

// storeLink opens the channel of a freshly issued link, persists and replicates it.
func (e *Engine) storeLink(op event.Kind, actor string, l sharelink.Link, undo func()) {
	e.router.OpenChannel(channelKey(l), l.Owner, l.ExpiresAt)
	e.persist(op, actor, func(ctx context.Context, s store.Store) error { return s.PutLink(ctx, l) }, undo)
	e.publish(bridge.Delta{Op: bridge.OpLinkPut, Link: &l, Hash: l.Hash})
}

// closeLink revokes the link with hash, detaches its channel with an expiry notice and deletes it from
// storage. A revoked link stays revoked even if the delete fails.
func (e *Engine) closeLink(hash string, kind sharelink.Kind, reason string) {
	e.links.Revoke(hash)
	e.router.CloseChannel(broadcast.ChannelKey{Kind: kind, ID: hash}, expiryNotice(kind, hash, reason))
	e.persist("link:delete", "", func(ctx context.Context, s store.Store) error { return s.DeleteLink(ctx, hash) }, nil)
	e.publish(bridge.Delta{Op: bridge.OpLinkDelete, Hash: hash})
}

func (e *Engine) liveCreate(c caller, l event.CreateLiveLink) error {
	raw, link, err := e.links.Issue(sharelink.KindLive, c.userID, time.Duration(l.TTLMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("issue live link: %w", err)
	}
	owner := c.userID
	e.storeLink(event.KindCreateLiveLink, c.connID, link, func() {
		e.links.Revoke(link.Hash)
		e.router.CloseChannel(channelKey(link), expiryNotice(sharelink.KindLive, link.Hash, "not saved"))
		e.router.EmitToUsers([]string{owner}, event.New(event.LiveRevoked, LinkPayload{ID: link.Hash, Owner: owner}))
	})
	e.router.EmitToUsers([]string{owner}, event.New(event.LiveCreated, LinkPayload{
		ID: link.Hash, Token: raw, Owner: owner, ExpiresAt: link.ExpiresAt,
	}))
	return nil
}

func (e *Engine) liveRevoke(c caller, r event.RevokeLiveLink) error {
	link, ok := e.links.Get(sharelink.KindLive, r.ID)
	if !ok || (link.Owner != c.userID && !e.st.IsAdmin(c.userID)) {
		return Public(ErrNotFound, "live link not found")
	}
	e.closeLink(link.Hash, sharelink.KindLive, "revoked")
	e.router.EmitToUsers(dedupe(link.Owner, c.userID), event.New(event.LiveRevoked, LinkPayload{ID: link.Hash, Owner: link.Owner}))
	return nil
}

func (e *Engine) watchJoin(c caller, j event.JoinWatch) error {
	return e.joinChannel(c, sharelink.KindWatch, j.Token, event.WatchJoined)
}

func (e *Engine) liveJoin(c caller, j event.JoinLive) error {
	return e.joinChannel(c, sharelink.KindLive, j.Token, event.LiveJoined)
}

// joinChannel attaches the caller to the channel of a valid token. Expired tokens are refused even
// before the sweep removes them.
func (e *Engine) joinChannel(c caller, kind sharelink.Kind, token string, joined event.Name) error {
	link, ok := e.links.Resolve(kind, token)
	if !ok || !e.router.JoinChannel(channelKey(link), c.connID) {
		return Public(ErrNotFound, fmt.Sprintf("%s link invalid or expired", kind))
	}
	owner, _ := e.view(c.userID, link.Owner, e.now())
	e.router.EmitToConn(c.connID, event.New(joined, ChannelJoinedPayload{
		ID: link.Hash, Owner: owner, ExpiresAt: link.ExpiresAt,
	}))
	return nil
}

// sweepLinks closes the channels of expired links and deletes them.
func (e *Engine) sweepLinks() {
	for _, l := range e.links.Sweep() {
		hash := l.Hash
		e.router.CloseChannel(channelKey(l), expiryNotice(l.Kind, hash, "expired"))
		e.persist("link:delete", "", func(ctx context.Context, s store.Store) error { return s.DeleteLink(ctx, hash) }, nil)
		e.publish(bridge.Delta{Op: bridge.OpLinkDelete, Hash: hash})
	}
}

// dedupe returns the distinct non-empty ids in order.
func dedupe(ids ...string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
