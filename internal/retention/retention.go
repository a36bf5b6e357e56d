// Package retention decides which backup snapshots survive pruning.
//
// Snapshots are bucketed by age relative to "now":
//
//	recent   [0, 24h)   the 30 newest are kept
//	daily    [24h, 7d)  one per calendar day, the newest of that day
//	weekly   [7d, 30d)  one per ISO week, the newest of that week
//	expired  [30d, ...) never kept
//
// Nothing is pruned while a listing holds Floor snapshots or fewer, and the
// newest snapshot is always kept. Keep is stateless and is applied separately
// to the local and the remote listing.
package retention

import (
	"sort"
	"time"
)

const (
	// Floor is the listing size at or below which nothing is pruned.
	Floor = 60

	// RecentCap is the number of snapshots kept from the recent band.
	RecentCap = 30

	Day = 24 * time.Hour

	recentLimit = Day
	dailyLimit  = 7 * Day
	weeklyLimit = 30 * Day
)

// Band is an age bucket.
type Band int

const (
	BandRecent Band = iota
	BandDaily
	BandWeekly
	BandExpired
)

func (b Band) String() string {
	switch b {
	case BandRecent:
		return "recent"
	case BandDaily:
		return "daily"
	case BandWeekly:
		return "weekly"
	case BandExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Record is the minimal view of a snapshot the policy needs.
type Record struct {
	ID        string
	CreatedAt time.Time
}

// KeepSet holds the IDs a retention pass preserves.
type KeepSet map[string]struct{}

// Has reports whether id is kept.
func (k KeepSet) Has(id string) bool {
	_, ok := k[id]
	return ok
}

// BandOf returns the band for a snapshot created at createdAt.
// Future timestamps (clock skew) count as recent.
func BandOf(createdAt, now time.Time) Band {
	age := now.Sub(createdAt)
	switch {
	case age < recentLimit:
		return BandRecent
	case age < dailyLimit:
		return BandDaily
	case age < weeklyLimit:
		return BandWeekly
	default:
		return BandExpired
	}
}

// Keep returns the IDs to preserve from records at time now.
func Keep(records []Record, now time.Time) KeepSet {
	keep := make(KeepSet, len(records))
	if len(records) == 0 {
		return keep
	}

	if len(records) <= Floor {
		for _, r := range records {
			keep[r.ID] = struct{}{}
		}
		return keep
	}

	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return newer(sorted[i], sorted[j])
	})

	type dayKey struct {
		year  int
		month time.Month
		day   int
	}
	type weekKey struct {
		year int
		week int
	}

	recent := 0
	days := make(map[dayKey]bool)
	weeks := make(map[weekKey]bool)

	// sorted is newest first, so the first hit for a day or week is its newest entry.
	for _, r := range sorted {
		switch BandOf(r.CreatedAt, now) {
		case BandRecent:
			if recent < RecentCap {
				keep[r.ID] = struct{}{}
				recent++
			}
		case BandDaily:
			t := r.CreatedAt.In(now.Location())
			k := dayKey{t.Year(), t.Month(), t.Day()}
			if !days[k] {
				days[k] = true
				keep[r.ID] = struct{}{}
			}
		case BandWeekly:
			y, w := r.CreatedAt.In(now.Location()).ISOWeek()
			k := weekKey{y, w}
			if !weeks[k] {
				weeks[k] = true
				keep[r.ID] = struct{}{}
			}
		}
	}

	// The newest snapshot survives whatever the bands decided.
	keep[sorted[0].ID] = struct{}{}

	return keep
}

// newer orders by timestamp descending, then ID descending so ties are stable.
func newer(a, b Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Decision is the outcome for one record.
type Decision struct {
	Record
	Band Band
	Keep bool
}

// Plan pairs every record with its band and keep decision, newest first.
type Plan struct {
	Decisions []Decision
}

// NewPlan evaluates Keep and annotates each record.
func NewPlan(records []Record, now time.Time) Plan {
	keep := Keep(records, now)

	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return newer(sorted[i], sorted[j])
	})

	plan := Plan{Decisions: make([]Decision, 0, len(sorted))}
	for _, r := range sorted {
		plan.Decisions = append(plan.Decisions, Decision{
			Record: r,
			Band:   BandOf(r.CreatedAt, now),
			Keep:   keep.Has(r.ID),
		})
	}
	return plan
}

// Deletions returns the records the plan removes.
func (p Plan) Deletions() []Record {
	var out []Record
	for _, d := range p.Decisions {
		if !d.Keep {
			out = append(out, d.Record)
		}
	}
	return out
}

// Kept returns the number of records the plan keeps.
func (p Plan) Kept() int {
	n := 0
	for _, d := range p.Decisions {
		if d.Keep {
			n++
		}
	}
	return n
}
