package slots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codr1/courtbook/internal/pricing"
)

func TestIntervalOverlaps(t *testing.T) {
	base := time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)
	a := Interval{Start: base, End: base.Add(time.Hour)}

	assert.True(t, a.Overlaps(Interval{Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute)}))
	assert.True(t, a.Overlaps(Interval{Start: base.Add(-time.Hour), End: base.Add(2 * time.Hour)}))
	assert.False(t, a.Overlaps(Interval{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}))
	assert.False(t, a.Overlaps(Interval{Start: base.Add(-time.Hour), End: base}))
}

func TestWindowTodayStartsAfterNow(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 7, 0, 0, time.UTC)
	w := Window{
		Date:     now,
		Opening:  6 * 60,
		Closing:  23 * 60,
		Duration: time.Hour,
		Location: time.UTC,
		Now:      now,
	}

	got := w.Collect()
	require.NotEmpty(t, got)
	assert.Equal(t, time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC), got[0].Start)
	for _, slot := range got {
		assert.False(t, slot.Start.Before(time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC)))
	}
	last := got[len(got)-1]
	assert.Equal(t, time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC), last.End)
	assert.Len(t, got, 12)
}

func TestWindowTodayAlignsToDurationMultiple(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 30, 0, time.UTC)
	w := Window{Date: now, Opening: 8 * 60, Closing: 12 * 60, Duration: 45 * time.Minute, Now: now}

	got := w.Collect()
	require.NotEmpty(t, got)
	// 10:01 rounds up to the next multiple of 45 minutes since midnight: 10:30.
	assert.Equal(t, time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC), got[0].Start)
	assert.Len(t, got, 2)
}

func TestWindowPastDateYieldsNothing(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	w := Window{Date: now.AddDate(0, 0, -1), Opening: 6 * 60, Closing: 23 * 60, Duration: time.Hour, Now: now}

	assert.Empty(t, w.Collect())
}

func TestWindowFutureDateSkipsOccupied(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	date := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	w := Window{
		Date:     date,
		Opening:  8 * 60,
		Closing:  12 * 60,
		Duration: time.Hour,
		Now:      now,
		Occupied: []Interval{{
			Start: time.Date(2026, 10, 20, 9, 30, 0, 0, time.UTC),
			End:   time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC),
		}},
	}

	got := w.Collect()
	require.Len(t, got, 3)
	assert.Equal(t, 8, got[0].Start.Hour())
	assert.Equal(t, 10, got[1].Start.Hour())
	assert.Equal(t, 11, got[2].Start.Hour())
}

func TestWindowStopsWhenConsumerStops(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	w := Window{Date: now.AddDate(0, 0, 1), Opening: 0, Closing: 24 * 60, Duration: 30 * time.Minute, Now: now}

	count := 0
	for range w.All() {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestWindowUsesFacilityTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	now := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC) // 09:00 in Madrid
	w := Window{Date: time.Date(2026, 10, 19, 0, 0, 0, 0, loc), Opening: 6 * 60, Closing: 12 * 60, Duration: time.Hour, Location: loc, Now: now}

	got := w.Collect()
	require.Len(t, got, 3)
	assert.Equal(t, 9, got[0].Start.In(loc).Hour())
}

func TestPricedDropsUncoveredCandidates(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	date := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC) // Tuesday
	rules := pricing.NewRuleSet([]pricing.Rule{
		{ID: 1, CourtID: 4, DayOfWeek: time.Tuesday, StartMinute: 8 * 60, EndMinute: 10 * 60, PricePerHour: 200, Active: true},
	})
	w := Window{Date: date, Opening: 8 * 60, Closing: 12 * 60, Duration: time.Hour, Now: now}

	got := Priced(w, 4, rules)
	require.Len(t, got, 2)
	assert.Equal(t, int64(200), got[0].Price)
	assert.Equal(t, 9, got[1].Start.Hour())
}
