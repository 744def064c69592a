package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codr1/courtbook/internal/db"
	"github.com/codr1/courtbook/internal/pricing"
	"github.com/codr1/courtbook/internal/ratelimit"
	"github.com/codr1/courtbook/internal/slotcache"
	"github.com/codr1/courtbook/internal/testutil"
)

// Monday noon UTC.
var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	db      *db.DB
	redis   *miniredis.Miniredis
	cache   *slotcache.Cache
	clock   *testutil.Clock
	svc     *Service
	sweeper *Sweeper
	fix     testutil.Fixture
}

func newTestEnv(t *testing.T, opts testutil.FacilityOptions, limiter HoldLimiter) *testEnv {
	t.Helper()
	database := testutil.NewTestDB(t)
	server, client := testutil.NewTestRedis(t)
	server.SetTime(fixedNow)
	clock := testutil.NewClock(fixedNow)
	cache := slotcache.New(client, slotcache.Config{KeyPrefix: "test:", Clock: clock})

	if opts.Courts == 0 {
		opts.Courts = 1
	}
	fix := testutil.SeedFacility(t, database, opts)

	cfg := DefaultConfig()
	cfg.Clock = clock
	svc, err := NewService(database, cache, limiter, cfg)
	require.NoError(t, err)

	return &testEnv{
		db:      database,
		redis:   server,
		cache:   cache,
		clock:   clock,
		svc:     svc,
		sweeper: NewSweeper(database, cache, "UTC"),
		fix:     fix,
	}
}

func (e *testEnv) advance(d time.Duration) {
	e.clock.Advance(d)
	e.redis.FastForward(d)
}

func tomorrowAt(hour, minute int) time.Time {
	return time.Date(2026, 10, 20, hour, minute, 0, 0, time.UTC)
}

func hold(courtID int64, start time.Time, d time.Duration) CreateRequest {
	return CreateRequest{CourtID: courtID, StartTime: start, EndTime: start.Add(d)}
}

func TestCreateHoldsSlot(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	res, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), 90*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)

	assert.Equal(t, db.BookingStatusPending, res.Booking.Status)
	assert.Equal(t, db.BookingTypeSingle, res.Booking.BookingType)
	assert.Equal(t, int64(3000), res.Booking.TotalAmount)
	assert.Equal(t, env.fix.FacilityID, res.Booking.FacilityID)
	require.Len(t, res.Slots, 1)
	assert.Equal(t, db.SlotStatusScheduled, res.Slots[0].Status)
	require.NotNil(t, res.Slots[0].HoldExpiresAt)
	assert.True(t, res.Slots[0].HoldExpiresAt.Equal(fixedNow.Add(10*time.Minute)))
	assert.True(t, res.HoldExpiresAt.Equal(fixedNow.Add(10*time.Minute)))

	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(10, 0), time.UTC)
	snap, err := env.cache.Query(ctx, key)
	require.NoError(t, err)
	require.Len(t, snap.Reserved, 1)
	assert.Equal(t, res.Booking.ID, snap.Reserved[0].BookingID)
	assert.Empty(t, snap.Confirmed)
}

func TestCreateRejectsOverlapFromCache(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	_, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(10, 30), time.Hour))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, court, conflict.CourtID)

	// touching intervals do not overlap
	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(11, 0), time.Hour))
	require.NoError(t, err)
}

func TestCreateRejectsOverlapFromDurableStore(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	_, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	env.redis.FlushAll()

	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	var count int
	require.NoError(t, env.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings`).Scan(&count))
	assert.Equal(t, 1, count, "the rejected booking must be rolled back")
}

func TestConcurrentCreatesProduceOneHold(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	const attempts = 2
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Create(ctx, hold(court, tomorrowAt(14, 0), time.Hour))
		}(i)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		var conflict *ConflictError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicts)
}

func TestCreateAfterLapsedHoldSucceeds(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	_, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	env.advance(11 * time.Minute)
	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{
		PricePerHour: 2000,
		OpeningTime:  "08:00",
		ClosingTime:  "20:00",
	}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	tests := []struct {
		name   string
		req    CreateRequest
		field  string
		reason string
	}{
		{
			name:  "end before start",
			req:   CreateRequest{CourtID: court, StartTime: tomorrowAt(10, 0), EndTime: tomorrowAt(9, 0)},
			field: "end_time",
		},
		{
			name:  "in the past",
			req:   hold(court, fixedNow.Add(-time.Hour), time.Hour),
			field: "start_time",
		},
		{
			name:  "partial minute",
			req:   hold(court, tomorrowAt(10, 0).Add(30*time.Second), time.Hour),
			field: "start_time",
		},
		{
			name:   "before opening",
			req:    hold(court, tomorrowAt(7, 0), time.Hour),
			field:  "start_time",
			reason: reasonOutsideHours,
		},
		{
			name:   "after closing",
			req:    hold(court, tomorrowAt(19, 30), time.Hour),
			field:  "end_time",
			reason: reasonOutsideHours,
		},
		{
			name:  "spans midnight",
			req:   hold(court, tomorrowAt(19, 0), 6*time.Hour),
			field: "end_time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, verr.Reason)
			}
		})
	}
}

func TestCreateUnknownOrInactiveCourt(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, nil)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, hold(9999, tomorrowAt(10, 0), time.Hour))
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "court", nf.Resource)

	inactive := testutil.SeedCourt(t, env.db, env.fix.FacilityID, "inactive")
	_, err = env.svc.Create(ctx, hold(inactive, tomorrowAt(10, 0), time.Hour))
	require.ErrorAs(t, err, &nf)
}

func TestCreateWithoutPricingCoverage(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]
	testutil.SeedPriceRule(t, env.db, court, int64(time.Tuesday), "08:00", "12:00", 1000)

	_, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(15, 0), time.Hour))
	require.ErrorIs(t, err, pricing.ErrNoCoverage)
	var perr *PricingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, perr.Occurrence)
}

func TestCreateRecurringWeekly(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1500}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	req := hold(court, tomorrowAt(18, 0), time.Hour)
	req.Recurrence = &Recurrence{Frequency: FrequencyWeekly, Occurrences: 3}
	res, err := env.svc.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, db.BookingTypeRecurring, res.Booking.BookingType)
	assert.Equal(t, int64(4500), res.Booking.TotalAmount)
	require.NotNil(t, res.Booking.Recurrence)
	assert.Equal(t, FrequencyWeekly, res.Booking.Recurrence.Frequency)
	require.Len(t, res.Slots, 3)
	for i, s := range res.Slots {
		assert.True(t, s.StartTime.Equal(tomorrowAt(18, 0).AddDate(0, 0, 7*i)), "occurrence %d", i)
	}
	require.Len(t, res.Quotes, 3)

	// a single hold colliding with the third occurrence
	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(18, 30).AddDate(0, 0, 14), time.Hour))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestCreateFailsClosedWhenCacheIsDown(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, nil)
	ctx := context.Background()
	env.redis.SetError("LOADING server is loading")

	_, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(10, 0), time.Hour))
	var derr *DependencyError
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Error(), "availability could not be verified")
}

func TestCreateRateLimited(t *testing.T) {
	limiter := ratelimit.New(&ratelimit.Config{
		HoldsPerUser: 1,
		HoldsPerIP:   10,
		Window:       time.Hour,
		CleanupEvery: time.Hour,
		Clock:        testutil.NewClock(fixedNow),
	})
	t.Cleanup(limiter.Close)
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 2000}, limiter)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]
	user := int64(42)

	req := hold(court, tomorrowAt(10, 0), time.Hour)
	req.UserID = &user
	req.ClientIP = "203.0.113.9"
	_, err := env.svc.Create(ctx, req)
	require.NoError(t, err)

	req = hold(court, tomorrowAt(12, 0), time.Hour)
	req.UserID = &user
	req.ClientIP = "203.0.113.9"
	_, err = env.svc.Create(ctx, req)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "user_limit", rl.Reason)
}

func TestCreateThenConfirmPromotesCacheEntry(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 200}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	created, err := env.svc.Create(ctx, hold(court, tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(200), created.Booking.TotalAmount)

	confirmed, err := env.svc.Confirm(ctx, ConfirmRequest{BookingID: created.Booking.ID})
	require.NoError(t, err)
	assert.Empty(t, confirmed.Diagnostics)
	assert.Equal(t, db.BookingStatusConfirmed, confirmed.Booking.Status)
	require.NotNil(t, confirmed.Booking.ConfirmedAt)
	require.Len(t, confirmed.Slots, 1)
	assert.Equal(t, db.SlotStatusConfirmed, confirmed.Slots[0].Status)
	assert.Nil(t, confirmed.Slots[0].HoldExpiresAt)

	require.NotNil(t, confirmed.Payment)
	assert.Equal(t, int64(200), confirmed.Payment.Amount)
	assert.Equal(t, PaymentMethodPayAtClub, confirmed.Payment.PaymentMethod)
	assert.Equal(t, db.PaymentStatusPending, confirmed.Payment.Status)
	assert.Equal(t, 1, confirmed.MatchCount)

	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(14, 0), time.UTC)
	snap, err := env.cache.Query(ctx, key)
	require.NoError(t, err)
	require.Len(t, snap.Confirmed, 1)
	assert.Equal(t, created.Booking.ID, snap.Confirmed[0].BookingID)
	assert.Empty(t, snap.Reserved)

	matches, err := env.db.Queries.ListMatchesByBooking(ctx, created.Booking.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, db.MatchStatusScheduled, matches[0].Status)
}

func TestConfirmWithCardPaymentIsCompleted(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 200}, nil)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)

	res, err := env.svc.Confirm(ctx, ConfirmRequest{
		BookingID:     created.Booking.ID,
		PaymentMethod: "card",
		TransactionID: "txn_123",
	})
	require.NoError(t, err)
	assert.Equal(t, db.PaymentStatusCompleted, res.Payment.Status)
}

func TestConfirmRejectsNonPending(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 200}, nil)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: created.Booking.ID})
	require.NoError(t, err)

	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: created.Booking.ID})
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, db.BookingStatusConfirmed, serr.Status)

	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: 9999})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestConfirmLapsedHoldChecksOverlap(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 200}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	first, err := env.svc.Create(ctx, hold(court, tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)

	env.advance(15 * time.Minute)
	second, err := env.svc.Create(ctx, hold(court, tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)

	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: first.Booking.ID})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: second.Booking.ID})
	require.NoError(t, err)
}

func TestConfirmLapsedHoldWithoutCompetitor(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 200}, nil)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, hold(env.fix.CourtIDs[0], tomorrowAt(14, 0), time.Hour))
	require.NoError(t, err)
	env.advance(15 * time.Minute)

	res, err := env.svc.Confirm(ctx, ConfirmRequest{BookingID: created.Booking.ID})
	require.NoError(t, err)
	assert.Equal(t, db.BookingStatusConfirmed, res.Booking.Status)
}

func TestCancelConfirmedBookingRefundsAndClearsCache(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	// 22 hours ahead: half refund
	created, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, ConfirmRequest{BookingID: created.Booking.ID})
	require.NoError(t, err)

	actor := int64(7)
	res, err := env.svc.Cancel(ctx, CancelRequest{
		BookingID:   created.Booking.ID,
		CancelledBy: &actor,
		Reason:      "rain",
	}, false)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, db.BookingStatusCancelled, res.Booking.Status)
	assert.Equal(t, "rain", res.Booking.CancellationReason)
	assert.Equal(t, Refund{Amount: 500, Percentage: 50, HoursBeforeStart: 22}, res.Refund)
	require.NotNil(t, res.RefundEntry)
	assert.Equal(t, int64(-500), res.RefundEntry.Amount)
	assert.Equal(t, PaymentMethodRefund, res.RefundEntry.PaymentMethod)

	key := slotcache.NewDayKey(env.fix.FacilityID, tomorrowAt(10, 0), time.UTC)
	snap, err := env.cache.Query(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, snap.Confirmed)
	assert.Empty(t, snap.Reserved)

	details, err := env.svc.Get(ctx, created.Booking.ID)
	require.NoError(t, err)
	require.Len(t, details.Slots, 1)
	assert.Equal(t, db.SlotStatusCancelled, details.Slots[0].Status)
	assert.Len(t, details.Payments, 2)

	matches, err := env.db.Queries.ListMatchesByBooking(ctx, created.Booking.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, db.MatchStatusCancelled, matches[0].Status)

	// the interval is free again
	_, err = env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, CancelRequest{BookingID: created.Booking.ID}, false)
	var serr *StateError
	require.ErrorAs(t, err, &serr)
}

func TestCancelRefundOverrideOnlyForAdmins(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()
	court := env.fix.CourtIDs[0]

	a, err := env.svc.Create(ctx, hold(court, tomorrowAt(10, 0), time.Hour))
	require.NoError(t, err)
	b, err := env.svc.Create(ctx, hold(court, tomorrowAt(12, 0), time.Hour))
	require.NoError(t, err)

	override := int64(900)
	res, err := env.svc.Cancel(ctx, CancelRequest{BookingID: a.Booking.ID, RefundOverride: &override}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Refund.Amount)

	res, err = env.svc.Cancel(ctx, CancelRequest{BookingID: b.Booking.ID, RefundOverride: &override}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.Refund.Amount)
	assert.Equal(t, 90, res.Refund.Percentage)
}

func TestGetBooking(t *testing.T) {
	env := newTestEnv(t, testutil.FacilityOptions{PricePerHour: 1000}, nil)
	ctx := context.Background()

	req := hold(env.fix.CourtIDs[0], tomorrowAt(10, 0), time.Hour)
	req.Notes = "bring balls"
	req.Annotations = map[string]any{"source": "kiosk"}
	created, err := env.svc.Create(ctx, req)
	require.NoError(t, err)

	details, err := env.svc.Get(ctx, created.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "bring balls", details.Booking.Notes)
	assert.Equal(t, "kiosk", details.Booking.Annotations["source"])
	assert.Len(t, details.Slots, 1)
	assert.Empty(t, details.Payments)

	_, err = env.svc.Get(ctx, 9999)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}
