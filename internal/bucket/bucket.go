// Package bucket aligns observations onto the fixed-width time grid used as
// the storage key for every persisted row.
package bucket

import (
	"sort"
	"time"
	_ "time/tzdata"
)

// Width is the bucket size used across the tracker.
const Width = 3 * time.Minute

// Exchange is the exchange-local zone buckets are computed in.
var Exchange = mustLoad("Asia/Kolkata")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// Floor returns the start of the bucket containing t, expressed in loc.
// Offsets are taken from local midnight so the result never lands on an
// out-of-range minute, even when width does not divide an hour.
func Floor(t time.Time, width time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = Exchange
	}
	lt := t.In(loc)
	if width <= 0 {
		return lt
	}
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	offset := lt.Sub(midnight)
	return midnight.Add(offset - offset%width)
}

// Range returns every bucket start from Floor(start) to Floor(end)
// inclusive, ascending. It is empty when end is before start.
func Range(start, end time.Time, width time.Duration, loc *time.Location) []time.Time {
	if end.Before(start) || width <= 0 {
		return nil
	}
	from := Floor(start, width, loc)
	to := Floor(end, width, loc)

	out := make([]time.Time, 0, int(to.Sub(from)/width)+1)
	for t := from; !t.After(to); t = t.Add(width) {
		out = append(out, t)
	}
	return out
}

// Missing returns the buckets in expected that are absent from existing,
// oldest first.
func Missing(expected, existing []time.Time) []time.Time {
	have := make(map[int64]struct{}, len(existing))
	for _, t := range existing {
		have[t.UnixNano()] = struct{}{}
	}

	var out []time.Time
	seen := make(map[int64]struct{}, len(expected))
	for _, t := range expected {
		k := t.UnixNano()
		if _, ok := have[k]; ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Of is Floor with the tracker's default width and zone.
func Of(t time.Time) time.Time {
	return Floor(t, Width, Exchange)
}
