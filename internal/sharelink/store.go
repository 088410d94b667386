// Package sharelink keeps the one-way share links that open a broadcast channel to viewers outside the
// visibility graph: long-lived live links created by their owner and one-hour watch links minted
// when an SOS becomes active. Links are indexed by the SHA-256 of the raw token; raw tokens are never kept.
package sharelink

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"waypoint/internal/security"
)

// Kind distinguishes live links from SOS watch links.
type Kind string

const (
	KindLive  Kind = "live"
	KindWatch Kind = "watch"
)

// WatchTTL is the lifetime of an SOS watch link.
const WatchTTL = time.Hour

// Link is a stored share link. ExpiresAt nil means it never expires.
type Link struct {
	Hash      string     `json:"-"`
	Kind      Kind       `json:"kind"`
	Owner     string     `json:"owner"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether l is past its expiry at now.
func (l Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Store is an in-memory link store.
type Store struct {
	mu    sync.RWMutex
	links map[string]Link
	clock clock.Clock
}

// NewStore returns an empty store reading time from clk (the wall clock when nil).
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{links: make(map[string]Link), clock: clk}
}

// Issue mints a link for owner and returns the raw token with the stored link. A watch link always
// expires after WatchTTL; a live link expires after ttl, or never when ttl <= 0.
func (s *Store) Issue(kind Kind, owner string, ttl time.Duration) (string, Link, error) {
	raw, err := security.NewShareToken()
	if err != nil {
		return "", Link{}, err
	}
	now := s.clock.Now().UTC()
	if kind == KindWatch {
		ttl = WatchTTL
	}
	l := Link{Hash: security.HashShareToken(raw), Kind: kind, Owner: owner, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		l.ExpiresAt = &exp
	}
	s.Put(l)
	return raw, l, nil
}

// Put stores l as is, used for links loaded from storage and remote deltas.
func (s *Store) Put(l Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[l.Hash] = l
}

// Resolve returns the link for raw if present, of the given kind and not expired. Expired links are
// refused but stay stored until Sweep hands them back for their channels to be closed.
func (s *Store) Resolve(kind Kind, raw string) (Link, bool) {
	return s.Get(kind, security.HashShareToken(raw))
}

// Get is Resolve by hash.
func (s *Store) Get(kind Kind, hash string) (Link, bool) {
	s.mu.RLock()
	l, ok := s.links[hash]
	s.mu.RUnlock()
	if !ok || l.Kind != kind || l.Expired(s.clock.Now()) {
		return Link{}, false
	}
	return l, true
}

// Revoke deletes the link with hash and returns it.
func (s *Store) Revoke(hash string) (Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[hash]
	if ok {
		delete(s.links, hash)
	}
	return l, ok
}

// RevokeOwner deletes every link owned by owner and returns them ordered by creation.
func (s *Store) RevokeOwner(owner string) []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Link
	for h, l := range s.links {
		if l.Owner == owner {
			out = append(out, l)
			delete(s.links, h)
		}
	}
	sortLinks(out)
	return out
}

// ByOwner returns owner's unexpired links of kind, ordered by creation.
func (s *Store) ByOwner(owner string, kind Kind) []Link {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Link
	for _, l := range s.links {
		if l.Owner == owner && l.Kind == kind && !l.Expired(now) {
			out = append(out, l)
		}
	}
	sortLinks(out)
	return out
}

// Sweep deletes and returns links expired at the current time.
func (s *Store) Sweep() []Link {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Link
	for h, l := range s.links {
		if l.Expired(now) {
			out = append(out, l)
			delete(s.links, h)
		}
	}
	sortLinks(out)
	return out
}

// Len returns the number of stored links, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

func sortLinks(ls []Link) {
	sort.Slice(ls, func(i, j int) bool {
		if !ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].CreatedAt.Before(ls[j].CreatedAt)
		}
		return ls[i].Hash < ls[j].Hash
	})
}
