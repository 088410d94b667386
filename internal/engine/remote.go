package engine

import (
	"go.uber.org/zap"

	"waypoint/internal/bridge"
	"waypoint/internal/broadcast"
	"waypoint/internal/sharelink"
)

// applyRemote handles a message from another node: deliveries go to local connections only, deltas
// are applied to the aggregate and the affected rosters refreshed. Notices about a delta were already
// sent by the originating node.
func (e *Engine) applyRemote(m bridge.Message) {
	switch m.Type {
	case bridge.TypeDeliver:
		e.router.DeliverLocal(m.Users, m.Outbound())
	case bridge.TypeDelta:
		if m.Delta != nil {
			e.applyDelta(m.Origin, *m.Delta)
		}
	default:
		e.log.Debug("engine: unknown bridge message", zap.String("type", string(m.Type)), zap.String("origin", m.Origin))
	}
}

func (e *Engine) applyDelta(origin string, d bridge.Delta) {
	var before []string
	switch d.Op {
	case bridge.OpUserDelete:
		before = e.router.Audience(d.UserID, false).Sorted()
		e.purgeSession(d.UserID)
	case bridge.OpLinkDelete:
		for _, kind := range []sharelink.Kind{sharelink.KindLive, sharelink.KindWatch} {
			e.router.CloseChannel(broadcast.ChannelKey{Kind: kind, ID: d.Hash}, expiryNotice(kind, d.Hash, "revoked"))
		}
	}

	affected, err := d.Apply(e.st, e.links)
	if err != nil {
		e.log.Warn("engine: remote delta rejected", zap.String("origin", origin), zap.String("op", string(d.Op)), zap.Error(err))
		return
	}

	switch d.Op {
	case bridge.OpLinkPut:
		l := *d.Link
		if d.Hash != "" {
			l.Hash = d.Hash
		}
		e.router.OpenChannel(channelKey(l), l.Owner, l.ExpiresAt)
	case bridge.OpUserDelete:
		affected = append(affected, before...)
		e.updateGauges()
	}
	if len(affected) > 0 {
		e.regraph(affected...)
	}
}
