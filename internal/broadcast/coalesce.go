package broadcast

import (
	"sort"

	"waypoint/internal/event"
	"waypoint/internal/presence"
	"waypoint/internal/sharelink"
)

// PositionPayload is the data of position:update, live:update and watch:update.
type PositionPayload struct {
	UserID   string            `json:"userId"`
	Position presence.Position `json:"position"`
}

// QueuePosition retains pos as the latest position of userID until the next Flush.
func (r *Router) QueuePosition(userID string, pos presence.Position) {
	r.positions[userID] = pos
}

// DropPosition discards a queued position, used when the user is purged.
func (r *Router) DropPosition(userID string) {
	delete(r.positions, userID)
}

// PendingPositions is the number of users with a queued position.
func (r *Router) PendingPositions() int { return len(r.positions) }

// Flush fans out each queued position once: position:update to everyone who can see the user,
// and live:update / watch:update to connections attached to the user's share channels.
// It returns the number of users flushed.
func (r *Router) Flush() int {
	if len(r.positions) == 0 {
		return 0
	}
	users := make([]string, 0, len(r.positions))
	for u := range r.positions {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		payload := PositionPayload{UserID: u, Position: r.positions[u]}
		aud := r.Audience(u, true)
		r.deliver("visible", aud, event.New(event.PositionUpdate, payload), true)

		// Viewers already covered by the graph are not sent the channel copy.
		skip := make(map[string]struct{})
		for v := range aud {
			if sess, ok := r.presence.ByUser(v); ok {
				skip[sess.ConnID] = struct{}{}
			}
		}
		for _, k := range r.ChannelsOwnedBy(u) {
			name := event.LiveUpdate
			if k.Kind == sharelink.KindWatch {
				name = event.WatchUpdate
			}
			r.emitChannel(k, event.New(name, payload), skip)
		}
	}
	clear(r.positions)
	r.metrics.Flushed(len(users))
	return len(users)
}
