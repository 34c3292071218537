// Package availability computes candidate booking slots for a provider's day.
// It is pure: callers supply the working window, the occupied intervals and
// the clock, so two calls with no intervening state change return identical
// results.
package availability

import "time"

type Interval struct {
	Start time.Time
	End   time.Time
}

// Candidate is one grid position within the working window. Unavailable
// candidates are kept in the result so callers can render a full grid.
type Candidate struct {
	Start     time.Time
	End       time.Time
	Available bool
}

// Candidates returns every slot of the given duration inside
// [windowStart, windowEnd) at step granularity, in start order. A candidate
// is available when its start is not in the past and it overlaps neither an
// occupied slot nor a busy interval from the provider's calendar.
func Candidates(windowStart, windowEnd time.Time, duration, step time.Duration, occupied, busy []Interval, now time.Time) []Candidate {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var out []Candidate
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		end := t.Add(duration)
		open := !t.Before(now) &&
			!overlapsAny(t, end, occupied) &&
			!overlapsAny(t, end, busy)
		out = append(out, Candidate{Start: t, End: end, Available: open})
	}
	return out
}

func overlapsAny(start, end time.Time, intervals []Interval) bool {
	for _, iv := range intervals {
		// Half-open intervals: [start,end) overlaps [iv.Start,iv.End) iff
		// start < iv.End && iv.Start < end.
		if start.Before(iv.End) && iv.Start.Before(end) {
			return true
		}
	}
	return false
}

// Overlaps reports whether [start,end) intersects any of the intervals after
// widening the range by margin on both sides. The booking commit uses this
// to detect collisions against the external calendar.
func Overlaps(start, end time.Time, margin time.Duration, intervals []Interval) bool {
	return overlapsAny(start.Add(-margin), end.Add(margin), intervals)
}
