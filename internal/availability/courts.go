package availability

import (
	"context"
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

// ErrFacilityNotFound is returned for unknown facilities and for facilities
// without an active court.
var ErrFacilityNotFound = errors.New("facility not found")

// CourtQuery asks which courts of one facility are free for a single interval.
type CourtQuery struct {
	FacilityID      int64
	StartTime       time.Time
	DurationMinutes int
}

type CourtOption struct {
	CourtID   int64  `json:"court_id"`
	CourtName string `json:"court_name"`
	Price     int64  `json:"price"`
}

// PriceSummary describes the prices of the free courts. Average is rounded
// half up to a whole minor unit.
type PriceSummary struct {
	Min     int64 `json:"min"`
	Max     int64 `json:"max"`
	Average int64 `json:"average"`
}

type CourtAvailability struct {
	FacilityID   int64         `json:"facility_id"`
	FacilityName string        `json:"facility_name"`
	Timezone     string        `json:"timezone"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	TotalCourts  int           `json:"total_courts"`
	Courts       []CourtOption `json:"courts"`
	Summary      *PriceSummary `json:"price_summary,omitempty"`
}

// CourtsAt lists the free, priced courts of a facility for
// [StartTime, StartTime+DurationMinutes), cheapest first. Courts without a
// covering price rule are left out. A cache failure falls back to durable
// occupancy.
func (s *Service) CourtsAt(ctx context.Context, q CourtQuery) (CourtAvailability, error) {
	logger := log.Ctx(ctx).With().
		Str("component", "availability").
		Int64("facility_id", q.FacilityID).
		Logger()

	if q.FacilityID <= 0 {
		return CourtAvailability{}, fmt.Errorf("%w: facility id must be positive", ErrInvalidQuery)
	}
	if q.StartTime.IsZero() {
		return CourtAvailability{}, fmt.Errorf("%w: start_time is required", ErrInvalidQuery)
	}
	if q.DurationMinutes == 0 {
		q.DurationMinutes = s.cfg.DefaultDurationMinutes
	}
	if q.DurationMinutes < 0 {
		return CourtAvailability{}, fmt.Errorf("%w: duration must be positive", ErrInvalidQuery)
	}
	now := s.clock.Now()
	start := q.StartTime.UTC()
	end := start.Add(time.Duration(q.DurationMinutes) * time.Minute)
	if start.Before(now) {
		return CourtAvailability{}, fmt.Errorf("%w: start_time is in the past", ErrInvalidQuery)
	}

	facilities, err := s.store.ListBookableFacilities(ctx, db.ListBookableFacilitiesParams{
		FacilityIDs: []int64{q.FacilityID},
		Limit:       1,
	})
	if err != nil {
		return CourtAvailability{}, fmt.Errorf("load facility: %w", err)
	}
	if len(facilities) == 0 {
		return CourtAvailability{}, ErrFacilityNotFound
	}
	view := s.newFacilityView(ctx, facilities[0])

	day, startMinute, endMinute, err := pricing.LocalMinutes(start, end, view.loc)
	if err != nil {
		return CourtAvailability{}, fmt.Errorf("%w: interval must end on the same local day", ErrInvalidQuery)
	}
	if startMinute < view.opening || endMinute > view.closing {
		return CourtAvailability{}, fmt.Errorf("%w: interval is outside operating hours", ErrInvalidQuery)
	}

	key := slotcache.NewDayKey(view.facility.ID, start, view.loc)
	local := start.In(view.loc)
	nq := normalizedQuery{
		from: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC),
		days: 1,
	}

	var (
		ruleSet  *pricing.RuleSet
		snapshot slotcache.Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		set, err := s.rules.LoadRuleSet(gctx, courtIDs([]facilityView{view}), []time.Weekday{day})
		if err != nil {
			return err
		}
		ruleSet = set
		return nil
	})
	g.Go(func() error {
		snapshots, err := s.cache.QueryMany(gctx, []slotcache.DayKey{key})
		if err != nil {
			logger.Warn().Err(err).Msg("Slot cache unavailable, using durable occupancy")
			snapshots, err = s.durableOccupancy(gctx, []facilityView{view}, nq, now)
			if err != nil {
				return err
			}
		}
		snapshot = snapshots[key]
		return nil
	})
	if err := g.Wait(); err != nil {
		return CourtAvailability{}, fmt.Errorf("load court availability: %w", err)
	}

	out := CourtAvailability{
		FacilityID:   view.facility.ID,
		FacilityName: view.facility.Name,
		Timezone:     view.loc.String(),
		StartTime:    start,
		EndTime:      end,
		TotalCourts:  len(view.courts),
		Courts:       []CourtOption{},
	}
	want := slots.Interval{Start: start, End: end}
	for _, court := range view.courts {
		if occupied(want, snapshot.Occupied(court.ID)) {
			continue
		}
		quote, err := ruleSet.Price(court.ID, start, end, view.loc)
		if err != nil {
			continue
		}
		out.Courts = append(out.Courts, CourtOption{CourtID: court.ID, CourtName: court.Name, Price: quote.Total})
	}
	sort.SliceStable(out.Courts, func(i, j int) bool {
		if out.Courts[i].Price != out.Courts[j].Price {
			return out.Courts[i].Price < out.Courts[j].Price
		}
		return out.Courts[i].CourtID < out.Courts[j].CourtID
	})
	out.Summary = summarize(out.Courts)

	logger.Debug().
		Int("free_courts", len(out.Courts)).
		Int("total_courts", out.TotalCourts).
		Msg("Computed court availability")
	return out, nil
}

func occupied(want slots.Interval, busy []slots.Interval) bool {
	for _, b := range busy {
		if want.Overlaps(b) {
			return true
		}
	}
	return false
}

func summarize(courts []CourtOption) *PriceSummary {
	if len(courts) == 0 {
		return nil
	}
	sum := &PriceSummary{Min: courts[0].Price, Max: courts[0].Price}
	var total int64
	for _, c := range courts {
		sum.Min = min(sum.Min, c.Price)
		sum.Max = max(sum.Max, c.Price)
		total += c.Price
	}
	n := int64(len(courts))
	sum.Average = (total*2 + n) / (2 * n)
	return sum
}
