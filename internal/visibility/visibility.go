// Package visibility computes which users each user may observe.
//
// A user's visible set is itself, every co-member of its rooms, and its direct contacts. Sets are
// memoized in a bounded LRU and must be invalidated on every room join/leave and contact change.
package visibility

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"waypoint/internal/relation"
	"waypoint/internal/state"
)

// DefaultCacheSize bounds the memo when no size is configured.
const DefaultCacheSize = 4096

// Graph answers visibility queries over a State.
type Graph struct {
	st    *state.State
	cache *lru.Cache[string, relation.Set]

	hits, misses uint64
}

// New returns a Graph over st with an LRU of size entries.
func New(st *state.State, size int) (*Graph, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, relation.Set](size)
	if err != nil {
		return nil, err
	}
	return &Graph{st: st, cache: c}, nil
}

// VisibleSet returns the users userID may observe. The returned set is shared; callers must not modify it.
func (g *Graph) VisibleSet(userID string) relation.Set {
	if s, ok := g.cache.Get(userID); ok {
		g.hits++
		return s
	}
	g.misses++
	s := g.st.CoMembers(userID)
	for c := range g.st.Contacts.Neighbors(userID) {
		s[c] = struct{}{}
	}
	s[userID] = struct{}{}
	g.cache.Add(userID, s)
	return s
}

// CanSee reports whether viewer may observe target. Global admins see everyone; visibility between
// ordinary users follows the graph.
func (g *Graph) CanSee(viewer, target string) bool {
	if viewer == target || g.st.IsAdmin(viewer) {
		return true
	}
	return g.VisibleSet(viewer).Has(target)
}

// Invalidate drops the memo for userID.
func (g *Graph) Invalidate(userID string) { g.cache.Remove(userID) }

// InvalidateMany drops the memo for each of ids.
func (g *Graph) InvalidateMany(ids []string) {
	for _, id := range ids {
		g.cache.Remove(id)
	}
}

// InvalidateAll drops every memo.
func (g *Graph) InvalidateAll() { g.cache.Purge() }

// Stats returns cache hit and miss counts.
func (g *Graph) Stats() (hits, misses uint64) { return g.hits, g.misses }

// Roster remembers the last visible set pushed to each connection.
type Roster struct {
	last map[string]relation.Set
}

// NewRoster returns an empty tracker.
func NewRoster() *Roster {
	return &Roster{last: make(map[string]relation.Set)}
}

// Changed records set as the latest roster of connID and reports whether it differs from the previous one.
func (r *Roster) Changed(connID string, set relation.Set) bool {
	prev, ok := r.last[connID]
	if ok && prev.Equal(set) {
		return false
	}
	r.last[connID] = set.Clone()
	return true
}

// Forget drops the tracked roster of connID.
func (r *Roster) Forget(connID string) { delete(r.last, connID) }
