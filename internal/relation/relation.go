// Package relation provides small in-memory relations indexed in both directions.
//
// Symmetric holds an undirected edge set (contacts): an edge either exists from both
// endpoints or not at all. Bipartite holds a left↔right incidence (room↔user) with an
// index on each side. Both are owned by a single goroutine and carry no locks.
package relation

import "sort"

// Set is a string set.
type Set map[string]struct{}

// Has reports whether s contains k.
func (s Set) Has(k string) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Equal compares by size first, then membership.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if !o.Has(k) {
			return false
		}
	}
	return true
}

// SetOf builds a set from keys.
func SetOf(keys ...string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Symmetric is an undirected relation.
type Symmetric struct {
	adj map[string]Set
}

// NewSymmetric returns an empty relation.
func NewSymmetric() *Symmetric {
	return &Symmetric{adj: make(map[string]Set)}
}

// Add links a and b in both directions. Returns false if the edge already existed or a == b.
func (r *Symmetric) Add(a, b string) bool {
	if a == b || r.Has(a, b) {
		return false
	}
	r.side(a)[b] = struct{}{}
	r.side(b)[a] = struct{}{}
	return true
}

// Remove unlinks a and b from both sides. Returns false if there was no edge.
func (r *Symmetric) Remove(a, b string) bool {
	if !r.Has(a, b) {
		return false
	}
	r.drop(a, b)
	r.drop(b, a)
	return true
}

// Has reports whether the edge exists. Both directions are checked so a half edge reads as absent.
func (r *Symmetric) Has(a, b string) bool {
	return r.adj[a].Has(b) && r.adj[b].Has(a)
}

// Neighbors returns a copy of a's neighbors.
func (r *Symmetric) Neighbors(a string) Set {
	return r.adj[a].Clone()
}

// RemoveAll unlinks every edge touching a and returns the former neighbors.
func (r *Symmetric) RemoveAll(a string) []string {
	ns := r.adj[a].Sorted()
	for _, b := range ns {
		r.drop(b, a)
	}
	delete(r.adj, a)
	return ns
}

func (r *Symmetric) side(k string) Set {
	s, ok := r.adj[k]
	if !ok {
		s = make(Set)
		r.adj[k] = s
	}
	return s
}

func (r *Symmetric) drop(from, to string) {
	s := r.adj[from]
	delete(s, to)
	if len(s) == 0 {
		delete(r.adj, from)
	}
}

// Bipartite relates left keys (e.g. room codes) to right keys (e.g. user ids).
type Bipartite struct {
	byLeft  map[string]Set
	byRight map[string]Set
}

// NewBipartite returns an empty relation.
func NewBipartite() *Bipartite {
	return &Bipartite{byLeft: make(map[string]Set), byRight: make(map[string]Set)}
}

// Add links l and r. Returns false if already linked.
func (b *Bipartite) Add(l, r string) bool {
	if b.Has(l, r) {
		return false
	}
	ensure(b.byLeft, l)[r] = struct{}{}
	ensure(b.byRight, r)[l] = struct{}{}
	return true
}

// Remove unlinks l and r. Returns false if not linked.
func (b *Bipartite) Remove(l, r string) bool {
	if !b.Has(l, r) {
		return false
	}
	dropKey(b.byLeft, l, r)
	dropKey(b.byRight, r, l)
	return true
}

// Has reports whether l and r are linked.
func (b *Bipartite) Has(l, r string) bool { return b.byLeft[l].Has(r) }

// Right returns a copy of the right keys linked to l.
func (b *Bipartite) Right(l string) Set { return b.byLeft[l].Clone() }

// Left returns a copy of the left keys linked to r.
func (b *Bipartite) Left(r string) Set { return b.byRight[r].Clone() }

// RightCount returns the number of right keys linked to l.
func (b *Bipartite) RightCount(l string) int { return len(b.byLeft[l]) }

// DropLeft removes l and all its links, returning the right keys it had.
func (b *Bipartite) DropLeft(l string) []string {
	rs := b.byLeft[l].Sorted()
	for _, r := range rs {
		dropKey(b.byRight, r, l)
	}
	delete(b.byLeft, l)
	return rs
}

// DropRight removes r and all its links, returning the left keys it had.
func (b *Bipartite) DropRight(r string) []string {
	ls := b.byRight[r].Sorted()
	for _, l := range ls {
		dropKey(b.byLeft, l, r)
	}
	delete(b.byRight, r)
	return ls
}

func ensure(m map[string]Set, k string) Set {
	s, ok := m[k]
	if !ok {
		s = make(Set)
		m[k] = s
	}
	return s
}

func dropKey(m map[string]Set, k, v string) {
	s := m[k]
	delete(s, v)
	if len(s) == 0 {
		delete(m, k)
	}
}
