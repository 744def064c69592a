package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/db"
	"github.com/codr1/courtbook/internal/slotcache"
)

// SweepReport summarises one expiry pass.
type SweepReport struct {
	ExpiredSlotCount    int       `json:"expired_slot_count"`
	ExpiredBookingCount int       `json:"expired_booking_count"`
	ProcessedBookingIDs []int64   `json:"processed_booking_ids"`
	Errors              []string  `json:"errors"`
	ProcessedAt         time.Time `json:"processed_at"`
}

// ReconcileReport summarises one cache reconciliation pass.
type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Restored int      `json:"restored"`
	Purged   int      `json:"purged"`
	Errors   []string `json:"errors"`
}

// staleGrace keeps Reconcile from purging entries written by a request that
// committed after the active slot list was read.
const staleGrace = time.Minute

// Sweeper voids lapsed holds and keeps the slot cache in line with the
// durable store.
type Sweeper struct {
	db              *db.DB
	cache           SlotCache
	defaultTimezone string
}

func NewSweeper(database *db.DB, cache SlotCache, defaultTimezone string) *Sweeper {
	return &Sweeper{db: database, cache: cache, defaultTimezone: defaultTimezone}
}

// Sweep expires every scheduled slot whose hold lapsed before now, expires the
// owning bookings that are still pending, and removes the reserved cache
// fields of the swept slots. Running it again without new lapses is a no-op.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	logger := log.Ctx(ctx).With().Str("component", "sweeper").Logger()
	report := SweepReport{
		ProcessedBookingIDs: []int64{},
		Errors:              []string{},
		ProcessedAt:         now.UTC(),
	}

	var lapsed []db.LapsedHold
	err := s.db.RunInTx(ctx, func(txdb *db.DB) error {
		holds, err := txdb.Queries.ListLapsedHolds(ctx, now)
		if err != nil {
			return fmt.Errorf("list lapsed holds: %w", err)
		}
		if len(holds) == 0 {
			return nil
		}
		lapsed = holds

		slotIDs := make([]int64, 0, len(holds))
		seen := make(map[int64]bool)
		for _, h := range holds {
			slotIDs = append(slotIDs, h.SlotID)
			if !seen[h.BookingID] {
				seen[h.BookingID] = true
				report.ProcessedBookingIDs = append(report.ProcessedBookingIDs, h.BookingID)
			}
		}

		n, err := txdb.Queries.ExpireSlots(ctx, slotIDs, now)
		if err != nil {
			return fmt.Errorf("expire slots: %w", err)
		}
		report.ExpiredSlotCount = int(n)

		expired, err := txdb.Queries.ExpirePendingBookings(ctx, db.ExpirePendingBookingsParams{
			IDs:    report.ProcessedBookingIDs,
			Reason: ExpiredReasonPaymentTimeout,
			Now:    now,
		})
		if err != nil {
			return fmt.Errorf("expire bookings: %w", err)
		}
		report.ExpiredBookingCount = len(expired)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Expiry sweep failed")
		return SweepReport{ProcessedBookingIDs: []int64{}, Errors: []string{}, ProcessedAt: now.UTC()}, err
	}
	if len(lapsed) == 0 {
		logger.Debug().Msg("No lapsed holds")
		return report, nil
	}

	locs := make(map[string]*time.Location)
	for _, h := range lapsed {
		loc := s.location(locs, h.Timezone)
		key := slotcache.NewDayKey(h.FacilityID, h.StartTime, loc)
		entry := slotcache.Entry{
			CourtID:   h.CourtID,
			StartTime: h.StartTime,
			EndTime:   h.EndTime,
			BookingID: h.BookingID,
			SlotID:    h.SlotID,
		}
		// A newer hold may already occupy the same field.
		if _, err := s.cache.RemoveOwned(ctx, slotcache.Reserved, key, entry); err != nil {
			logger.Warn().Err(err).Int64("slot_id", h.SlotID).Str("cache_key", key.String()).Msg("Failed to remove reserved entry")
			report.Errors = append(report.Errors, fmt.Sprintf("remove reserved slot %d: %v", h.SlotID, err))
		}
	}

	logger.Info().
		Int("expired_slot_count", report.ExpiredSlotCount).
		Int("expired_booking_count", report.ExpiredBookingCount).
		Int("error_count", len(report.Errors)).
		Msg("Expired lapsed holds")
	return report, nil
}

// Reconcile restores cache entries for active slots starting in
// [now, now+horizon) that are missing from their partition, then purges cached
// entries in the same window that no active slot backs.
func (s *Sweeper) Reconcile(ctx context.Context, now time.Time, horizon time.Duration) (ReconcileReport, error) {
	logger := log.Ctx(ctx).With().Str("component", "sweeper").Logger()
	report := ReconcileReport{Errors: []string{}}

	active, err := s.db.Queries.ListActiveSlotsInRange(ctx, db.ListActiveSlotsInRangeParams{
		From: now,
		To:   now.Add(horizon),
		Now:  now,
	})
	if err != nil {
		return report, fmt.Errorf("list active slots: %w", err)
	}

	locs := make(map[string]*time.Location)
	backed := make(map[slotcache.Partition]map[string]int64)
	var upcoming []db.ActiveSlot
	for _, a := range active {
		if a.StartTime.Before(now) {
			continue
		}
		upcoming = append(upcoming, a)
		p := activePartition(a)
		if backed[p] == nil {
			backed[p] = make(map[string]int64)
		}
		backed[p][slotcache.FieldFor(a.CourtID, a.StartTime, a.EndTime)] = a.SlotID
	}

	// Purge first so a field held by a stale entry is free to be restored.
	if err := s.purgeStale(ctx, now, horizon, backed, locs, &report); err != nil {
		return report, err
	}

	for _, a := range upcoming {
		report.Checked++
		loc := s.location(locs, a.Timezone)
		key := slotcache.NewDayKey(a.FacilityID, a.StartTime, loc)

		partition := activePartition(a)
		present, err := s.cache.Exists(ctx, partition, key, a.CourtID, a.StartTime, a.EndTime)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("check slot %d: %v", a.SlotID, err))
			continue
		}
		if present {
			continue
		}

		entry := slotcache.Entry{
			CourtID:   a.CourtID,
			StartTime: a.StartTime,
			EndTime:   a.EndTime,
			BookingID: a.BookingID,
			SlotID:    a.SlotID,
			Status:    string(partition),
			CreatedAt: now.UTC(),
		}
		if partition == slotcache.Confirmed {
			err = s.cache.PutConfirmed(ctx, key, entry, loc)
		} else {
			expires := a.ExpiryAt.Time
			entry.HoldExpiresAt = &expires
			err = s.cache.PutReserved(ctx, key, entry, expires.Sub(now))
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("restore slot %d: %v", a.SlotID, err))
			continue
		}
		report.Restored++
	}

	if report.Restored > 0 || report.Purged > 0 || len(report.Errors) > 0 {
		logger.Info().
			Int("checked", report.Checked).
			Int("restored", report.Restored).
			Int("purged", report.Purged).
			Int("error_count", len(report.Errors)).
			Msg("Reconciled slot cache")
	}
	return report, nil
}

// purgeStale drops cached entries starting in [now, now+horizon) whose field is
// not backed by the active slot listed for that partition.
func (s *Sweeper) purgeStale(ctx context.Context, now time.Time, horizon time.Duration, backed map[slotcache.Partition]map[string]int64, locs map[string]*time.Location, report *ReconcileReport) error {
	facilities, err := s.db.Queries.ListFacilities(ctx)
	if err != nil {
		return fmt.Errorf("list facilities: %w", err)
	}
	end := now.Add(horizon)
	cutoff := now.Add(-staleGrace)

	for _, f := range facilities {
		loc := s.location(locs, f.Timezone)
		keys := reconcileDays(f.ID, now, end, loc)
		snapshots, err := s.cache.QueryMany(ctx, keys)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("scan facility %d: %v", f.ID, err))
			continue
		}
		for _, key := range keys {
			snap := snapshots[key]
			for _, p := range []slotcache.Partition{slotcache.Confirmed, slotcache.Reserved} {
				entries := snap.Confirmed
				if p == slotcache.Reserved {
					entries = snap.Reserved
				}
				for _, e := range entries {
					if e.StartTime.Before(now) || !e.StartTime.Before(end) || !e.CreatedAt.Before(cutoff) {
						continue
					}
					slotID, ok := backed[p][e.Field()]
					if ok && (e.SlotID == 0 || e.SlotID == slotID) {
						continue
					}
					removed, err := s.cache.RemoveOwned(ctx, p, key, e)
					if err != nil {
						report.Errors = append(report.Errors, fmt.Sprintf("purge %s %s: %v", p, e.Field(), err))
						continue
					}
					if removed {
						report.Purged++
					}
				}
			}
		}
	}
	return nil
}

func activePartition(a db.ActiveSlot) slotcache.Partition {
	if a.Status == db.SlotStatusConfirmed {
		return slotcache.Confirmed
	}
	return slotcache.Reserved
}

// reconcileDays lists the facility-local day keys touched by [from, to).
func reconcileDays(facilityID int64, from, to time.Time, loc *time.Location) []slotcache.DayKey {
	first := from.In(loc)
	last := to.In(loc)
	var keys []slotcache.DayKey
	for day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc); day.Before(last); day = day.AddDate(0, 0, 1) {
		keys = append(keys, slotcache.NewDayKey(facilityID, day, loc))
	}
	return keys
}

func (s *Sweeper) location(cache map[string]*time.Location, name string) *time.Location {
	if loc, ok := cache[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil || name == "" {
		loc, err = time.LoadLocation(s.defaultTimezone)
		if err != nil {
			loc = time.UTC
		}
	}
	cache[name] = loc
	return loc
}
