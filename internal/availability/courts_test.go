package availability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codr1/courtbook/internal/slotcache"
	"github.com/codr1/courtbook/internal/testutil"
)

func TestCourtsAtSortsByPriceAndSummarizes(t *testing.T) {
	env := newTestEnv(t)
	fix := env.facility(t, "08:00", "20:00", 3)
	ctx := context.Background()
	testutil.SeedPriceRule(t, env.db, fix.CourtIDs[0], int64(time.Tuesday), "08:00", "12:00", 500)

	start := tomorrow.Add(10 * time.Hour)
	key := slotcache.NewDayKey(fix.FacilityID, start, time.UTC)
	require.NoError(t, env.cache.PutConfirmed(ctx, key, slotcache.Entry{
		CourtID:   fix.CourtIDs[1],
		StartTime: start.Add(30 * time.Minute),
		EndTime:   start.Add(90 * time.Minute),
		BookingID: 1,
		SlotID:    1,
	}, time.UTC))

	res, err := env.service(nil).CourtsAt(ctx, CourtQuery{FacilityID: fix.FacilityID, StartTime: start, DurationMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, fix.FacilityID, res.FacilityID)
	assert.Equal(t, 3, res.TotalCourts)
	assert.True(t, res.EndTime.Equal(start.Add(time.Hour)))

	require.Len(t, res.Courts, 2)
	assert.Equal(t, fix.CourtIDs[2], res.Courts[0].CourtID)
	assert.Equal(t, int64(1000), res.Courts[0].Price)
	assert.Equal(t, fix.CourtIDs[0], res.Courts[1].CourtID)
	assert.Equal(t, int64(1500), res.Courts[1].Price)

	require.NotNil(t, res.Summary)
	assert.Equal(t, PriceSummary{Min: 1000, Max: 1500, Average: 1250}, *res.Summary)
}

func TestCourtsAtFallsBackToDurableOccupancy(t *testing.T) {
	env := newTestEnv(t)
	fix := env.facility(t, "08:00", "20:00", 2)
	start := tomorrow.Add(10 * time.Hour)
	env.seedConfirmedSlot(t, fix, fix.CourtIDs[0], start, time.Hour)
	env.redis.SetError("connection refused")

	res, err := env.service(nil).CourtsAt(context.Background(), CourtQuery{FacilityID: fix.FacilityID, StartTime: start})
	require.NoError(t, err)
	require.Len(t, res.Courts, 1)
	assert.Equal(t, fix.CourtIDs[1], res.Courts[0].CourtID)
	assert.Equal(t, int64(1000), res.Courts[0].Price)
}

func TestCourtsAtOmitsUnpricedCourts(t *testing.T) {
	env := newTestEnv(t)
	fix := testutil.SeedFacility(t, env.db, testutil.FacilityOptions{OpeningTime: "08:00", ClosingTime: "20:00", Courts: 2})
	testutil.SeedPriceRule(t, env.db, fix.CourtIDs[1], int64(time.Tuesday), "00:00", "24:00", 800)

	res, err := env.service(nil).CourtsAt(context.Background(), CourtQuery{
		FacilityID: fix.FacilityID, StartTime: tomorrow.Add(9 * time.Hour), DurationMinutes: 90,
	})
	require.NoError(t, err)
	require.Len(t, res.Courts, 1)
	assert.Equal(t, int64(1200), res.Courts[0].Price)
	assert.Equal(t, PriceSummary{Min: 1200, Max: 1200, Average: 1200}, *res.Summary)

	res, err = env.service(nil).CourtsAt(context.Background(), CourtQuery{
		FacilityID: fix.FacilityID, StartTime: tomorrow.AddDate(0, 0, 1).Add(9 * time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Courts)
	assert.Nil(t, res.Summary)
}

func TestCourtsAtRejectsBadQueries(t *testing.T) {
	env := newTestEnv(t)
	fix := env.facility(t, "08:00", "20:00", 1)
	svc := env.service(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		q    CourtQuery
	}{
		{"missing start", CourtQuery{FacilityID: fix.FacilityID}},
		{"past start", CourtQuery{FacilityID: fix.FacilityID, StartTime: today.Add(9 * time.Hour)}},
		{"negative duration", CourtQuery{FacilityID: fix.FacilityID, StartTime: tomorrow.Add(9 * time.Hour), DurationMinutes: -30}},
		{"before opening", CourtQuery{FacilityID: fix.FacilityID, StartTime: tomorrow.Add(7 * time.Hour)}},
		{"after closing", CourtQuery{FacilityID: fix.FacilityID, StartTime: tomorrow.Add(19 * time.Hour), DurationMinutes: 90}},
		{"crosses midnight", CourtQuery{FacilityID: fix.FacilityID, StartTime: tomorrow.Add(23 * time.Hour), DurationMinutes: 120}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CourtsAt(ctx, tt.q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}

	_, err := svc.CourtsAt(ctx, CourtQuery{FacilityID: fix.FacilityID + 100, StartTime: tomorrow.Add(9 * time.Hour)})
	assert.ErrorIs(t, err, ErrFacilityNotFound)
}
