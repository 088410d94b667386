package ingest

import (
	"sort"
	"time"
)

// Debouncer holds the latest pending value per key and releases each key at most once per interval.
type Debouncer[T any] struct {
	every   time.Duration
	pending map[string]T
	written map[string]time.Time
}

// NewDebouncer returns a Debouncer releasing each key at most once per every.
func NewDebouncer[T any](every time.Duration) *Debouncer[T] {
	return &Debouncer[T]{every: every, pending: make(map[string]T), written: make(map[string]time.Time)}
}

// Mark replaces the pending value of key.
func (d *Debouncer[T]) Mark(key string, v T) { d.pending[key] = v }

// Item is a released value.
type Item[T any] struct {
	Key   string
	Value T
}

// Due releases pending values whose key was last released at least one interval before now, ordered by key.
func (d *Debouncer[T]) Due(now time.Time) []Item[T] {
	var out []Item[T]
	for k, v := range d.pending {
		if last, ok := d.written[k]; ok && now.Sub(last) < d.every {
			continue
		}
		out = append(out, Item[T]{Key: k, Value: v})
		d.written[k] = now
		delete(d.pending, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Drain releases every pending value regardless of interval, used on shutdown.
func (d *Debouncer[T]) Drain() []Item[T] {
	out := make([]Item[T], 0, len(d.pending))
	for k, v := range d.pending {
		out = append(out, Item[T]{Key: k, Value: v})
	}
	d.pending = make(map[string]T)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Forget drops key.
func (d *Debouncer[T]) Forget(key string) {
	delete(d.pending, key)
	delete(d.written, key)
}

// Pending returns the number of keys awaiting release.
func (d *Debouncer[T]) Pending() int { return len(d.pending) }
