package ingest

import (
	"sort"
	"time"
)

// DefaultReplayMax bounds a replay batch when no limit is configured.
const DefaultReplayMax = 200

// PrepareReplay orders a replay batch by client timestamp and keeps at most limit of the newest entries.
// The input slice is not modified.
func PrepareReplay[T any](batch []T, limit int, ts func(T) time.Time) []T {
	if limit <= 0 {
		limit = DefaultReplayMax
	}
	out := append([]T(nil), batch...)
	sort.SliceStable(out, func(i, j int) bool { return ts(out[i]).Before(ts(out[j])) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
