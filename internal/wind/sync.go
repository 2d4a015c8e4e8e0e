package wind

import (
	"sort"
	"time"
)

// MatchTolerance is the maximum distance between an axis timestamp and a
// sensor reading for the reading to appear in that row.
const MatchTolerance = 500 * time.Millisecond

// Row is one synchronized export row: an axis timestamp plus, per sensor,
// the nearest reading within tolerance (nil when no reading qualifies).
type Row struct {
	Timestamp time.Time
	BySensor  map[string]*Reading
}

// Synchronize aligns multiple sensors' readings onto a common timestamp axis.
//
// The axis is the sorted union of every reading timestamp across all sensors,
// not a fixed grid. For each axis timestamp each sensor contributes its
// closest reading within MatchTolerance, independently per sensor and per
// axis point: a reading near two axis timestamps is matched to both.
func Synchronize(bySensor map[string][]Reading) []Row {
	if len(bySensor) == 0 {
		return nil
	}

	// Union of timestamps, deduplicated on the nanosecond.
	seen := make(map[int64]time.Time)
	for _, readings := range bySensor {
		for _, r := range readings {
			seen[r.Timestamp.UnixNano()] = r.Timestamp
		}
	}
	if len(seen) == 0 {
		return nil
	}
	axis := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		axis = append(axis, ts)
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i].Before(axis[j]) })

	// Sorted per-sensor copies so each axis lookup is a binary search.
	sorted := make(map[string][]Reading, len(bySensor))
	for id, readings := range bySensor {
		cp := make([]Reading, len(readings))
		copy(cp, readings)
		sort.Slice(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
		sorted[id] = cp
	}

	rows := make([]Row, 0, len(axis))
	for _, ts := range axis {
		row := Row{Timestamp: ts, BySensor: make(map[string]*Reading, len(sorted))}
		for id, readings := range sorted {
			row.BySensor[id] = nearest(readings, ts)
		}
		rows = append(rows, row)
	}
	return rows
}

// nearest returns the reading closest to ts, or nil when the closest one is
// farther than MatchTolerance. readings must be sorted ascending.
func nearest(readings []Reading, ts time.Time) *Reading {
	if len(readings) == 0 {
		return nil
	}

	i := sort.Search(len(readings), func(i int) bool {
		return !readings[i].Timestamp.Before(ts)
	})

	best := -1
	var bestDiff time.Duration
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(readings) {
			continue
		}
		diff := absDuration(readings[j].Timestamp.Sub(ts))
		if best == -1 || diff < bestDiff {
			best, bestDiff = j, diff
		}
	}

	if best == -1 || bestDiff > MatchTolerance {
		return nil
	}
	return &readings[best]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
