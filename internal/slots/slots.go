// Package slots generates candidate booking intervals for one court and day.
package slots

import (
	"iter"
	"slices"
	"time"

	"github.com/codr1/courtbook/internal/pricing"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals share any instant.
// Touching endpoints do not overlap.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Window describes one court's bookable day.
type Window struct {
	// Date selects the calendar day; only its year, month and day are used.
	Date time.Time
	// Opening and Closing are minutes since local midnight. Closing may be 1440.
	Opening  int
	Closing  int
	Duration time.Duration
	Location *time.Location
	Now      time.Time
	Occupied []Interval
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// firstStart returns the first candidate start in minutes since local
// midnight, or false when the day has nothing left to offer.
func (w Window) firstStart(durMinutes int) (int, bool) {
	loc := w.location()
	y, m, d := w.Date.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	now := w.Now.In(loc)
	ny, nm, nd := now.Date()
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, loc)

	switch {
	case day.Before(today):
		return 0, false
	case day.After(today):
		return w.Opening, true
	}

	nowMinutes := now.Hour()*60 + now.Minute()
	if now.Second() > 0 || now.Nanosecond() > 0 {
		nowMinutes++
	}
	aligned := (nowMinutes + durMinutes - 1) / durMinutes * durMinutes
	return max(w.Opening, aligned), true
}

// All lazily yields free candidate intervals in start order.
func (w Window) All() iter.Seq[Interval] {
	return func(yield func(Interval) bool) {
		durMinutes := int(w.Duration / time.Minute)
		if durMinutes <= 0 || w.Closing <= w.Opening {
			return
		}
		start, ok := w.firstStart(durMinutes)
		if !ok {
			return
		}

		loc := w.location()
		y, m, d := w.Date.Date()
		for ; start+durMinutes <= w.Closing; start += durMinutes {
			candidate := Interval{
				Start: time.Date(y, m, d, 0, start, 0, 0, loc),
				End:   time.Date(y, m, d, 0, start+durMinutes, 0, 0, loc),
			}
			if w.occupied(candidate) {
				continue
			}
			if !yield(candidate) {
				return
			}
		}
	}
}

func (w Window) occupied(candidate Interval) bool {
	for _, busy := range w.Occupied {
		if candidate.Overlaps(busy) {
			return true
		}
	}
	return false
}

func (w Window) Collect() []Interval {
	return slices.Collect(w.All())
}

// PricedSlot is a free candidate with its quote.
type PricedSlot struct {
	Interval
	Price int64
	Quote pricing.Quote
}

// Priced pairs every free candidate with its price. Candidates that cannot be
// priced are not bookable and are dropped.
func Priced(w Window, courtID int64, rules *pricing.RuleSet) []PricedSlot {
	var out []PricedSlot
	for candidate := range w.All() {
		quote, err := rules.Price(courtID, candidate.Start, candidate.End, w.location())
		if err != nil {
			continue
		}
		out = append(out, PricedSlot{Interval: candidate, Price: quote.Total, Quote: quote})
	}
	return out
}
