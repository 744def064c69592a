package booking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codr1/courtbook/internal/db"
	"github.com/codr1/courtbook/internal/slotcache"
	"github.com/codr1/courtbook/internal/testutil"
)

func TestSweepWithNothingLapsed(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	report, err := env.sweeper.Sweep(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredSlotCount)
	assert.Zero(t, report.ExpiredBookingCount)
	assert.Empty(t, report.ProcessedBookingIDs)
	assert.Empty(t, report.Errors)
}

func TestSweepExpiresLapsedHoldsOnce(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	lapsed, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	kept, err := env.svc.Create(ctx, hold(court, tomorrowAt(12, 0), time.Hour))
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: kept.Booking.ID})
	require.NoError(t, err)

	// only the clock moves so the reserved hash is still in Redis
	env.clock.Advance(11 * time.Minute)
	now := env.clock.Now()

	report, err := env.sweeper.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredSlotCount)
	assert.Equal(t, 1, report.ExpiredBookingCount)
	assert.Equal(t, []int64{lapsed.Booking.ID}, report.ProcessedBookingIDs)
	assert.Empty(t, report.Errors)
	assert.True(t, report.ProcessedAt.Equal(now))

	details, err := env.svc.Get(ctx, lapsed.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingStatusExpired, details.Booking.Status)
	assert.Equal(t, ExpiredReasonPaymentTimeout, details.Booking.ExpiredReason)
	assert.Equal(t, db.SlotStatusExpired, details.Slots[0].Status)

	details, err = env.svc.Get(ctx, kept.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingStatusConfirmed, details.Booking.Status)

	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(10, 0), time.UTC)
	present, err := env.cache.Exists(ctx, slotcache.Reserved, key, court, tomorrowAt(10, 0), tomorrowAt(11, 0))
	require.NoError(t, err)
	assert.False(t, present)

	again, err := env.sweeper.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, again.ExpiredSlotCount)
	assert.Zero(t, again.ExpiredBookingCount)
}

func TestSweepLeavesBookingConfirmedAfterLapse(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	// confirmation lands after the hold lapsed but before any sweep
	env.advance(12 * time.Minute)
	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: created.Booking.ID})
	require.NoError(t, err)

	report, err := env.sweeper.Sweep(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredSlotCount)
	assert.Zero(t, report.ExpiredBookingCount)

	details, err := env.svc.Get(ctx, created.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingStatusConfirmed, details.Booking.Status)
}

func TestExpirePendingBookingsSkipsConfirmed(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	pending, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	confirmed, err := env.svc.Create(ctx, hold(court, tomorrowAt(12, 0), time.Hour))
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: confirmed.Booking.ID})
	require.NoError(t, err)

	ids, err := env.db.Queries.ExpirePendingBookings(ctx, db.ExpirePendingBookingsParams{
		IDs:    []int64{pending.Booking.ID, confirmed.Booking.ID},
		Reason: ExpiredReasonPaymentTimeout,
		Now:    env.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{pending.Booking.ID}, ids)
}

func TestSweepReportsCacheFailures(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	env.clock.Advance(11 * time.Minute)
	env.redis.SetError("READONLY replica")

	report, err := env.sweeper.Sweep(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredSlotCount)
	assert.Len(t, report.Errors, 1)

	details, err := env.svc.Get(ctx, created.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingStatusExpired, details.Booking.Status)
}

func TestReconcileRestoresMissingEntries(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	confirmed, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: confirmed.Booking.ID})
	require.NoError(t, err)
	held, err := env.svc.Create(ctx, hold(court, tomorrowAt(12, 0), time.Hour))
	require.NoError(t, err)

	env.redis.FlushAll()

	report, err := env.sweeper.Reconcile(ctx, env.clock.Now(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Restored)
	assert.Empty(t, report.Errors)

	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(10, 0), time.UTC)
	snap, err := env.cache.Query(ctx, key)
	require.NoError(t, err)
	require.Len(t, snap.Confirmed, 1)
	assert.Equal(t, confirmed.Booking.ID, snap.Confirmed[0].BookingID)
	require.Len(t, snap.Reserved, 1)
	assert.Equal(t, held.Booking.ID, snap.Reserved[0].BookingID)
	require.NotNil(t, snap.Reserved[0].HoldExpiresAt)
	assert.True(t, snap.Reserved[0].HoldExpiresAt.Equal(held.HoldExpiresAt))

	again, err := env.sweeper.Reconcile(ctx, env.clock.Now(), 48*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, again.Restored)
}

func TestSweepKeepsNewerHoldOnSameInterval(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	lapsed, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	env.advance(11 * time.Minute)
	newer, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	report, err := env.sweeper.Sweep(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []int64{lapsed.Booking.ID}, report.ProcessedBookingIDs)
	assert.Empty(t, report.Errors)

	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(10, 0), time.UTC)
	free, err := env.cache.IsAvailable(ctx, key, court, tomorrowAt(10, 0), tomorrowAt(11, 0))
	require.NoError(t, err)
	assert.False(t, free)

	snap, err := env.cache.Query(ctx, key)
	require.NoError(t, err)
	require.Len(t, snap.Reserved, 1)
	assert.Equal(t, newer.Booking.ID, snap.Reserved[0].BookingID)
	assert.Equal(t, newer.Slots[0].ID, snap.Reserved[0].SlotID)
}

func TestReconcileRestoreDoesNotShortenLiveHolds(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000, Courts: 2}, nil)
	ctx := context.Background()

	first, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(10, 0), time.UTC)
	env.redis.HDel("test:reserved:"+key.String(),
		slotcache.FieldFor(env.fix.CourtIDs[0], tomorrowAt(10, 0), tomorrowAt(11, 0)))

	env.advance(8 * time.Minute)
	second, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[1], tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	report, err := env.sweeper.Reconcile(ctx, env.clock.Now(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	assert.Empty(t, report.Errors)

	// the restored hold has 2 minutes left, the newer one 10
	env.advance(3 * time.Minute)
	free, err := env.cache.IsAvailable(ctx, key, env.fix.CourtIDs[1], tomorrowAt(10, 0), tomorrowAt(11, 0))
	require.NoError(t, err)
	assert.False(t, free, "hold of booking %d still runs until %s", second.Booking.ID, second.HoldExpiresAt)

	free, err = env.cache.IsAvailable(ctx, key, env.fix.CourtIDs[0], tomorrowAt(10, 0), tomorrowAt(11, 0))
	require.NoError(t, err)
	assert.True(t, free, "hold of booking %d lapsed", first.Booking.ID)
}

func TestReconcilePurgesEntriesWithoutActiveSlot(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	created, err := env.svc.Create(ctx, hold(court, tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: created.Booking.ID})
	require.NoError(t, err)

	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(14, 0), time.UTC)
	snap, err := env.cache.Query(ctx, key)
	require.NoError(t, err)
	require.Len(t, snap.Confirmed, 1)
	leftover := snap.Confirmed[0]

	_, err = env.svc.Cancel(ctx, CancelRequest{BookingID: created.Booking.ID}, false)
	require.NoError(t, err)
	// the confirmed field comes back, e.g. from a replica that missed the delete
	require.NoError(t, env.cache.PutConfirmed(ctx, key, leftover, time.UTC))

	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(14, 0), time.Hour))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	env.advance(2 * time.Minute)
	_, err = env.sweeper.Sweep(ctx, env.clock.Now())
	require.NoError(t, err)
	report, err := env.sweeper.Reconcile(ctx, env.clock.Now(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	assert.Zero(t, report.Restored)
	assert.Empty(t, report.Errors)

	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)
}

func TestReconcileKeepsFreshEntries(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	// written just now without a durable row yet, as a racing Create would
	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(9, 0), time.UTC)
	require.NoError(t, env.cache.PutReserved(ctx, key, slotcache.Entry{
		CourtID:   court,
		StartTime: tomorrowAt(9, 0),
		EndTime:   tomorrowAt(10, 0),
		BookingID: 999,
		SlotID:    9990,
	}, 0))

	report, err := env.sweeper.Reconcile(ctx, env.clock.Now(), 48*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.Purged)

	present, err := env.cache.Exists(ctx, slotcache.Reserved, key, court, tomorrowAt(9, 0), tomorrowAt(10, 0))
	require.NoError(t, err)
	assert.True(t, present)
}
