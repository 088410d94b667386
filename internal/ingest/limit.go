// Package ingest gates inbound events before they touch shared state: per-connection cooldown on
// position samples, per-(connection, class) token buckets, payload validation, debounced position
// persistence and bounded batch replay. Everything here is owned by the event loop.
package ingest

import (
	"time"

	"golang.org/x/time/rate"
)

// Cooldown enforces a minimum spacing between accepted position samples per connection.
type Cooldown struct {
	min  time.Duration
	last map[string]time.Time
}

// NewCooldown returns a Cooldown of gap spacing. gap <= 0 accepts everything.
func NewCooldown(gap time.Duration) *Cooldown {
	return &Cooldown{min: gap, last: make(map[string]time.Time)}
}

// Allow reports whether a sample from connID at now is far enough from the last accepted one, and
// records it when so.
func (c *Cooldown) Allow(connID string, now time.Time) bool {
	if prev, ok := c.last[connID]; ok && c.min > 0 && now.Sub(prev) < c.min {
		return false
	}
	c.last[connID] = now
	return true
}

// Forget drops connID.
func (c *Cooldown) Forget(connID string) { delete(c.last, connID) }

// Limiter holds one token bucket per (connection, event class). Each bucket refills events tokens
// per window with a burst of events.
type Limiter struct {
	limit   rate.Limit
	burst   int
	buckets map[string]map[string]*rate.Limiter
}

// NewLimiter returns a Limiter allowing events per window for every (connection, class).
func NewLimiter(events int, window time.Duration) *Limiter {
	if events <= 0 {
		events = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		limit:   rate.Every(window / time.Duration(events)),
		burst:   events,
		buckets: make(map[string]map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the (connID, class) bucket at now.
func (l *Limiter) Allow(connID, class string, now time.Time) bool {
	byClass, ok := l.buckets[connID]
	if !ok {
		byClass = make(map[string]*rate.Limiter)
		l.buckets[connID] = byClass
	}
	b, ok := byClass[class]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		byClass[class] = b
	}
	return b.AllowN(now, 1)
}

// Forget drops every bucket of connID.
func (l *Limiter) Forget(connID string) { delete(l.buckets, connID) }

// Size returns the number of connections tracked.
func (l *Limiter) Size() int { return len(l.buckets) }
