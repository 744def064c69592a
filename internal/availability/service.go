// Package availability lists bookable, priced court slots across facilities
// and dates.
package availability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/codr1/courtbook/internal/db"
	"github.com/codr1/courtbook/internal/pricing"
	"github.com/codr1/courtbook/internal/slotcache"
	"github.com/codr1/courtbook/internal/slots"
)

const dateLayout = "2006-01-02"

// ErrInvalidQuery wraps query validation failures.
var ErrInvalidQuery = errors.New("invalid availability query")

// Store is the subset of the query layer the service reads.
type Store interface {
	pricing.RuleStore
	ListBookableFacilities(ctx context.Context, arg db.ListBookableFacilitiesParams) ([]db.FacilityWithCourts, error)
	ListActiveSlotsInRange(ctx context.Context, arg db.ListActiveSlotsInRangeParams) ([]db.ActiveSlot, error)
}

// SlotCache is the read side of the slot cache.
type SlotCache interface {
	QueryMany(ctx context.Context, keys []slotcache.DayKey) (map[slotcache.DayKey]slotcache.Snapshot, error)
}

// Clock interface for testing time-dependent behavior.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	DefaultRangeDays       int
	MaxRangeDays           int
	DefaultDurationMinutes int
	DefaultLimit           int
	UnfilteredFacilityCap  int
	DefaultTimezone        string
	DefaultOpeningTime     string
	DefaultClosingTime     string
	// Clock for testing (nil uses real time)
	Clock Clock
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRangeDays:       10,
		MaxRangeDays:           31,
		DefaultDurationMinutes: 60,
		DefaultLimit:           50,
		UnfilteredFacilityCap:  5,
		DefaultTimezone:        "UTC",
		DefaultOpeningTime:     "06:00",
		DefaultClosingTime:     "23:00",
	}
}

// Query selects the facilities and civil dates to list. Zero values take the
// configured defaults. Only the year, month and day of the dates are used.
type Query struct {
	DateFrom        time.Time
	DateTo          time.Time
	DurationMinutes int
	FacilityIDs     []int64
	Limit           int
	Offset          int
}

type Slot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Price     int64     `json:"price"`
}

// Group holds the free slots of one court on one facility-local date.
type Group struct {
	FacilityID   int64  `json:"facility_id"`
	FacilityName string `json:"facility_name"`
	CourtID      int64  `json:"court_id"`
	CourtName    string `json:"court_name"`
	Date         string `json:"date"`
	Timezone     string `json:"timezone"`
	Slots        []Slot `json:"time_slots"`
}

type Result struct {
	Slots   []Group `json:"slots"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
}

type Service struct {
	store Store
	cache SlotCache
	rules *pricing.Evaluator
	cfg   Config
	clock Clock
}

func NewService(store Store, cache SlotCache, cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Service{
		store: store,
		cache: cache,
		rules: pricing.NewEvaluator(store),
		cfg:   cfg,
		clock: clock,
	}
}

type normalizedQuery struct {
	from     time.Time
	days     int
	duration time.Duration
	ids      []int64
	limit    int
	offset   int
}

// Normalize applies defaults and bounds. It is exported for request
// validation at the HTTP edge.
func (s *Service) Normalize(q Query) (Query, error) {
	now := s.clock.Now().In(s.defaultLocation())
	today := civil(now)

	if q.DateFrom.IsZero() {
		q.DateFrom = today
	}
	if q.DateTo.IsZero() {
		q.DateTo = civil(q.DateFrom).AddDate(0, 0, s.cfg.DefaultRangeDays)
	}
	from, to := civil(q.DateFrom), civil(q.DateTo)
	if to.Before(from) {
		return q, fmt.Errorf("%w: date_to is before date_from", ErrInvalidQuery)
	}
	if days := daysBetween(from, to) + 1; s.cfg.MaxRangeDays > 0 && days > s.cfg.MaxRangeDays {
		return q, fmt.Errorf("%w: date range exceeds %d days", ErrInvalidQuery, s.cfg.MaxRangeDays)
	}
	if q.DurationMinutes == 0 {
		q.DurationMinutes = s.cfg.DefaultDurationMinutes
	}
	if q.DurationMinutes < 0 {
		return q, fmt.Errorf("%w: duration must be positive", ErrInvalidQuery)
	}
	if q.Limit <= 0 {
		q.Limit = s.cfg.DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.DateFrom, q.DateTo = from, to
	return q, nil
}

// FindAvailable lists free priced slots grouped by facility, court and date.
// Failures while resolving facilities or loading rules degrade to an empty
// result; a cache failure falls back to durable occupancy.
func (s *Service) FindAvailable(ctx context.Context, q Query) Result {
	logger := log.Ctx(ctx).With().Str("component", "availability").Logger()

	q, err := s.Normalize(q)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected availability query")
		return Result{}
	}
	nq := normalizedQuery{
		from:     q.DateFrom,
		days:     daysBetween(q.DateFrom, q.DateTo) + 1,
		duration: time.Duration(q.DurationMinutes) * time.Minute,
		ids:      q.FacilityIDs,
		limit:    q.Limit,
		offset:   q.Offset,
	}
	if len(nq.ids) == 0 && s.cfg.UnfilteredFacilityCap > 0 && nq.limit > s.cfg.UnfilteredFacilityCap {
		nq.limit = s.cfg.UnfilteredFacilityCap
	}

	facilities, err := s.store.ListBookableFacilities(ctx, db.ListBookableFacilitiesParams{
		FacilityIDs: nq.ids,
		Limit:       int64(nq.limit),
		Offset:      int64(nq.offset),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list bookable facilities")
		return Result{}
	}
	if len(facilities) == 0 {
		return Result{}
	}

	now := s.clock.Now()
	views := make([]facilityView, 0, len(facilities))
	for _, f := range facilities {
		views = append(views, s.newFacilityView(ctx, f))
	}

	var (
		ruleSet   *pricing.RuleSet
		occupancy map[slotcache.DayKey]slotcache.Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		set, err := s.rules.LoadRuleSet(gctx, courtIDs(views), weekdays(nq.from, nq.days))
		if err != nil {
			return err
		}
		ruleSet = set
		return nil
	})
	g.Go(func() error {
		snapshots, err := s.cache.QueryMany(gctx, dayKeys(views, nq.from, nq.days))
		if err == nil {
			occupancy = snapshots
			return nil
		}
		logger.Warn().Err(err).Msg("Slot cache unavailable, using durable occupancy")
		snapshots, err = s.durableOccupancy(gctx, views, nq, now)
		if err != nil {
			return err
		}
		occupancy = snapshots
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Failed to load availability inputs")
		return Result{}
	}

	var groups []Group
	for i := 0; i < nq.days; i++ {
		date := nq.from.AddDate(0, 0, i)
		for _, v := range views {
			key := slotcache.DayKey{FacilityID: v.facility.ID, Date: date.Format(dateLayout)}
			snapshot := occupancy[key]
			for _, court := range v.courts {
				window := slots.Window{
					Date:     date,
					Opening:  v.opening,
					Closing:  v.closing,
					Duration: nq.duration,
					Location: v.loc,
					Now:      now,
					Occupied: snapshot.Occupied(court.ID),
				}
				priced := slots.Priced(window, court.ID, ruleSet)
				if len(priced) == 0 {
					continue
				}
				group := Group{
					FacilityID:   v.facility.ID,
					FacilityName: v.facility.Name,
					CourtID:      court.ID,
					CourtName:    court.Name,
					Date:         key.Date,
					Timezone:     v.loc.String(),
					Slots:        make([]Slot, 0, len(priced)),
				}
				for _, p := range priced {
					group.Slots = append(group.Slots, Slot{StartTime: p.Start.UTC(), EndTime: p.End.UTC(), Price: p.Price})
				}
				groups = append(groups, group)
			}
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if !a.Slots[0].StartTime.Equal(b.Slots[0].StartTime) {
			return a.Slots[0].StartTime.Before(b.Slots[0].StartTime)
		}
		if a.FacilityID != b.FacilityID {
			return a.FacilityID < b.FacilityID
		}
		return a.CourtID < b.CourtID
	})

	logger.Debug().
		Int("facility_count", len(facilities)).
		Int("group_count", len(groups)).
		Msg("Computed availability")

	return Result{
		Slots:   groups,
		Total:   len(groups),
		HasMore: len(facilities) == nq.limit,
	}
}

// durableOccupancy rebuilds snapshots from active slots in the store.
func (s *Service) durableOccupancy(ctx context.Context, views []facilityView, nq normalizedQuery, now time.Time) (map[slotcache.DayKey]slotcache.Snapshot, error) {
	ids := make([]int64, 0, len(views))
	locs := make(map[int64]*time.Location, len(views))
	var from, to time.Time
	for _, v := range views {
		ids = append(ids, v.facility.ID)
		locs[v.facility.ID] = v.loc
		start := time.Date(nq.from.Year(), nq.from.Month(), nq.from.Day(), 0, 0, 0, 0, v.loc)
		end := start.AddDate(0, 0, nq.days)
		if from.IsZero() || start.Before(from) {
			from = start
		}
		if end.After(to) {
			to = end
		}
	}

	active, err := s.store.ListActiveSlotsInRange(ctx, db.ListActiveSlotsInRangeParams{
		FacilityIDs: ids,
		From:        from,
		To:          to,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}

	out := make(map[slotcache.DayKey]slotcache.Snapshot)
	for _, a := range active {
		key := slotcache.NewDayKey(a.FacilityID, a.StartTime, locs[a.FacilityID])
		entry := slotcache.Entry{
			CourtID:   a.CourtID,
			StartTime: a.StartTime,
			EndTime:   a.EndTime,
			BookingID: a.BookingID,
			SlotID:    a.SlotID,
			Status:    a.Status,
		}
		snapshot := out[key]
		if a.Status == db.SlotStatusConfirmed {
			snapshot.Confirmed = append(snapshot.Confirmed, entry)
		} else {
			snapshot.Reserved = append(snapshot.Reserved, entry)
		}
		out[key] = snapshot
	}
	return out, nil
}

type facilityView struct {
	facility db.Facility
	courts   []db.Court
	loc      *time.Location
	opening  int
	closing  int
}

func (s *Service) defaultLocation() *time.Location {
	loc, err := time.LoadLocation(s.cfg.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Service) newFacilityView(ctx context.Context, f db.FacilityWithCourts) facilityView {
	v := facilityView{facility: f.Facility, courts: f.Courts}
	v.loc, v.opening, v.closing = OperatingHours(ctx, f.Facility, s.cfg.DefaultTimezone, s.cfg.DefaultOpeningTime, s.cfg.DefaultClosingTime)
	return v
}

// OperatingHours resolves a facility's location and opening/closing minutes,
// falling back to the given defaults for missing or malformed values.
func OperatingHours(ctx context.Context, f db.Facility, defaultTZ, defaultOpening, defaultClosing string) (*time.Location, int, int) {
	logger := log.Ctx(ctx)

	loc, err := time.LoadLocation(f.Timezone)
	if err != nil || f.Timezone == "" {
		if f.Timezone != "" {
			logger.Warn().Err(err).Int64("facility_id", f.ID).Str("timezone", f.Timezone).Msg("Unknown facility timezone, using default")
		}
		loc, err = time.LoadLocation(defaultTZ)
		if err != nil {
			loc = time.UTC
		}
	}

	clockOr := func(value sql.NullString, fallback string) int {
		if value.Valid && value.String != "" {
			if m, err := pricing.ParseClock(value.String); err == nil {
				return m
			}
			logger.Warn().Int64("facility_id", f.ID).Str("value", value.String).Msg("Malformed operating time, using default")
		}
		m, err := pricing.ParseClock(fallback)
		if err != nil {
			return 0
		}
		return m
	}
	return loc, clockOr(f.OpeningTime, defaultOpening), clockOr(f.ClosingTime, defaultClosing)
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(civil(to).Sub(civil(from)).Hours() / 24)
}

func courtIDs(views []facilityView) []int64 {
	var ids []int64
	for _, v := range views {
		for _, c := range v.courts {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func weekdays(from time.Time, days int) []time.Weekday {
	seen := make(map[time.Weekday]bool)
	var out []time.Weekday
	for i := 0; i < days && len(out) < 7; i++ {
		d := from.AddDate(0, 0, i).Weekday()
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func dayKeys(views []facilityView, from time.Time, days int) []slotcache.DayKey {
	keys := make([]slotcache.DayKey, 0, len(views)*days)
	for i := 0; i < days; i++ {
		date := from.AddDate(0, 0, i).Format(dateLayout)
		for _, v := range views {
			keys = append(keys, slotcache.DayKey{FacilityID: v.facility.ID, Date: date})
		}
	}
	return keys
}
