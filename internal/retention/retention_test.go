package retention

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 2026-10-19 12:00 UTC.
var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func daily(n int) []Record {
	records := make([]Record, 0, n)
	for d := n - 1; d >= 0; d-- {
		records = append(records, Record{
			ID:        fmt.Sprintf("day-%02d", d),
			CreatedAt: now.Add(-time.Duration(d) * Day),
		})
	}
	return records
}

func TestBandOf(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want Band
	}{
		{-time.Hour, BandRecent},
		{0, BandRecent},
		{23 * time.Hour, BandRecent},
		{Day, BandDaily},
		{7*Day - time.Second, BandDaily},
		{7 * Day, BandWeekly},
		{30*Day - time.Second, BandWeekly},
		{30 * Day, BandExpired},
		{400 * Day, BandExpired},
	}
	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, BandOf(now.Add(-tt.age), now))
		})
	}
}

func TestKeep_AtOrBelowFloorKeepsEverything(t *testing.T) {
	for _, n := range []int{0, 1, 30, Floor} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			records := daily(n)
			keep := Keep(records, now)
			assert.Len(t, keep, n)
			for _, r := range records {
				assert.True(t, keep.Has(r.ID), "record %s should be kept", r.ID)
			}
		})
	}
}

func TestKeep_SixtyOneDailySnapshots(t *testing.T) {
	records := daily(61)
	plan := NewPlan(records, now)
	keep := Keep(records, now)

	// day-0 recent, days 1-6 one per day, days 7-29 one per ISO week
	// (weeks 42, 41, 40, 39 and 38 for this date), nothing from day 30 on.
	want := []string{
		"day-00",
		"day-01", "day-02", "day-03", "day-04", "day-05", "day-06",
		"day-07", "day-08", "day-15", "day-22", "day-29",
	}
	assert.Len(t, keep, len(want))
	for _, id := range want {
		assert.True(t, keep.Has(id), "%s should be kept", id)
	}
	for d := 30; d <= 60; d++ {
		assert.False(t, keep.Has(fmt.Sprintf("day-%02d", d)), "day-%02d is expired", d)
	}

	assert.Equal(t, len(want), plan.Kept())
	assert.Len(t, plan.Deletions(), 61-len(want))
}

func TestKeep_RecentCap(t *testing.T) {
	var records []Record
	for i := 0; i < 70; i++ {
		records = append(records, Record{
			ID:        fmt.Sprintf("r-%02d", i),
			CreatedAt: now.Add(-time.Duration(i) * 10 * time.Minute),
		})
	}

	keep := Keep(records, now)
	require.Len(t, keep, RecentCap)
	for i := 0; i < RecentCap; i++ {
		assert.True(t, keep.Has(fmt.Sprintf("r-%02d", i)), "r-%02d is among the newest", i)
	}
	assert.False(t, keep.Has("r-30"))
}

func TestKeep_DailyKeepsNewestOfDay(t *testing.T) {
	records := daily(61)
	dayTwo := now.Add(-2 * Day)
	records = append(records,
		Record{ID: "day-02-early", CreatedAt: dayTwo.Add(-6 * time.Hour)},
		Record{ID: "day-02-late", CreatedAt: dayTwo.Add(6 * time.Hour)},
	)

	keep := Keep(records, now)
	assert.True(t, keep.Has("day-02-late"))
	assert.False(t, keep.Has("day-02"))
	assert.False(t, keep.Has("day-02-early"))
}

func TestKeep_WeeklyKeepsNewestOfISOWeek(t *testing.T) {
	records := daily(61)
	keep := Keep(records, now)

	// ISO week 41 spans day-14 (Mon Oct 5) to day-8 (Sun Oct 11).
	assert.True(t, keep.Has("day-08"))
	for d := 9; d <= 14; d++ {
		assert.False(t, keep.Has(fmt.Sprintf("day-%02d", d)), "day-%02d shares week 41 with day-08", d)
	}
}

func TestKeep_NewestAlwaysKept(t *testing.T) {
	// Every snapshot is expired; only the explicit newest rule keeps one.
	var records []Record
	for i := 0; i < 80; i++ {
		records = append(records, Record{
			ID:        fmt.Sprintf("old-%02d", i),
			CreatedAt: now.Add(-40*Day - time.Duration(i)*time.Hour),
		})
	}

	keep := Keep(records, now)
	assert.Len(t, keep, 1)
	assert.True(t, keep.Has("old-00"))
}

func TestKeep_TiesBrokenByID(t *testing.T) {
	var records []Record
	for i := 0; i < 61; i++ {
		records = append(records, Record{ID: fmt.Sprintf("same-%02d", i), CreatedAt: now.Add(-time.Hour)})
	}

	keep := Keep(records, now)
	assert.Len(t, keep, RecentCap)
	assert.True(t, keep.Has("same-60"))
	assert.False(t, keep.Has("same-00"))
}

func TestKeep_Deterministic(t *testing.T) {
	records := daily(61)
	reversed := make([]Record, len(records))
	for i, r := range records {
		reversed[len(records)-1-i] = r
	}
	assert.Equal(t, Keep(records, now), Keep(reversed, now))
}

func TestBandString(t *testing.T) {
	assert.Equal(t, "recent", BandRecent.String())
	assert.Equal(t, "daily", BandDaily.String())
	assert.Equal(t, "weekly", BandWeekly.String())
	assert.Equal(t, "expired", BandExpired.String())
	assert.Equal(t, "unknown", Band(9).String())
}
