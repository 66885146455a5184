package ratelimit

import (
	"slices"
	"sync"
	"time"
)

// clientHistory is one client's request log, shared by every operation the
// client calls. All fields are guarded by mu.
type clientHistory struct {
	mu sync.Mutex
	ts []time.Time

	// denied tracks whether the first-denial hook already fired for this client.
	// resets when the history is evicted and re-created
	denied bool

	// evicted is set by the sweeper after removing the history from its shard.
	// a request that locks an evicted history must look the client up again
	evicted bool
}

func newClientHistory() *clientHistory { return &clientHistory{} }

func (h *clientHistory) empty() bool { return len(h.ts) == 0 }

// pruneBefore drops timestamps strictly older than cutoff. Filters into the
// same backing array and reallocates once most of it is unused.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	clear(ts[len(kept):])
	if len(kept) == 0 {
		return nil
	}
	if cap(kept) > 64 && cap(kept) > 4*len(kept) {
		return slices.Clone(kept)
	}
	return kept
}

// countSince counts timestamps at or after start.
func countSince(ts []time.Time, start time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.Before(start) {
			n++
		}
	}
	return n
}

// retryAfter is how long until a request at or after now+retryAfter would fit
// under limit within window, given the log ts. Timestamps are usually but not
// always in order (callers pass their own now), so the in-window part is sorted.
func retryAfter(ts []time.Time, now time.Time, limit int, window time.Duration) time.Duration {
	start := now.Add(-window)
	in := make([]time.Time, 0, len(ts))
	for _, t := range ts {
		if !t.Before(start) {
			in = append(in, t)
		}
	}
	// the next request is admitted once at most limit-1 entries remain
	idx := len(in) - limit
	if idx < 0 {
		return 0
	}
	slices.SortFunc(in, func(a, b time.Time) int { return a.Compare(b) })
	d := in[idx].Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
