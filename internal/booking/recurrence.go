package booking

import (
	"fmt"
	"time"

	"github.com/codr1/courtbook/internal/pricing"
	"github.com/codr1/courtbook/internal/slots"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Recurrence expands a first occurrence into a series on the facility's wall
// clock. At least one of Occurrences and EndDate bounds the series.
type Recurrence struct {
	Frequency   Frequency      `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	Interval    int            `json:"interval,omitempty" validate:"omitempty,gte=1,lte=52"`
	Weekdays    []time.Weekday `json:"weekdays,omitempty" validate:"omitempty,dive,gte=0,lte=6"`
	Occurrences int            `json:"occurrences,omitempty" validate:"omitempty,gte=1"`
	// EndDate is an inclusive facility-local date, YYYY-MM-DD.
	EndDate string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// Expand returns the occurrences of the series that starts with [start, end).
// Occurrences keep the local start and end clock times of the first one.
func (r Recurrence) Expand(start, end time.Time, loc *time.Location, maxOccurrences int) ([]slots.Interval, error) {
	if loc == nil {
		loc = time.UTC
	}
	if maxOccurrences <= 0 {
		maxOccurrences = 1
	}
	interval := r.Interval
	if interval == 0 {
		interval = 1
	}
	if interval < 0 {
		return nil, &ValidationError{Field: "recurrence.interval", Reason: "must be at least 1"}
	}
	if r.Occurrences > maxOccurrences {
		return nil, &ValidationError{Field: "recurrence.occurrences", Reason: fmt.Sprintf("must not exceed %d", maxOccurrences)}
	}

	var until time.Time
	if r.EndDate != "" {
		d, err := time.ParseInLocation("2006-01-02", r.EndDate, loc)
		if err != nil {
			return nil, &ValidationError{Field: "recurrence.end_date", Reason: "must be a YYYY-MM-DD date"}
		}
		until = d
	}
	if r.Occurrences == 0 && until.IsZero() {
		return nil, &ValidationError{Field: "recurrence", Reason: "occurrences or end_date is required"}
	}

	_, startMin, endMin, err := pricing.LocalMinutes(start, end, loc)
	if err != nil {
		return nil, &ValidationError{Field: "end_time", Reason: "must be on the same local day as start_time"}
	}
	first := localDate(start, loc)
	if !until.IsZero() && until.Before(first) {
		return nil, &ValidationError{Field: "recurrence.end_date", Reason: "must not be before the first occurrence"}
	}

	// One past the cap so that an end_date series that is too long is
	// detected rather than truncated.
	limit := r.Occurrences
	if limit == 0 {
		limit = maxOccurrences + 1
	}

	var out []slots.Interval
	emit := func(day time.Time) bool {
		if !until.IsZero() && day.After(until) {
			return false
		}
		y, m, d := day.Date()
		out = append(out, slots.Interval{
			Start: time.Date(y, m, d, 0, startMin, 0, 0, loc),
			End:   time.Date(y, m, d, 0, endMin, 0, 0, loc),
		})
		return len(out) < limit
	}

	switch r.Frequency {
	case FrequencyDaily:
		for i := 0; ; i++ {
			if !emit(first.AddDate(0, 0, i*interval)) {
				break
			}
		}

	case FrequencyWeekly:
		days := make(map[time.Weekday]bool)
		for _, d := range r.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return nil, &ValidationError{Field: "recurrence.weekdays", Reason: "must be between 0 and 6"}
			}
			days[d] = true
		}
		if len(days) == 0 {
			days[first.Weekday()] = true
		}
		scanDays := (limit + 1) * 7 * interval
		for i := 0; i < scanDays; i++ {
			day := first.AddDate(0, 0, i)
			week := (i + int(first.Weekday())) / 7
			if week%interval != 0 || !days[day.Weekday()] {
				continue
			}
			if !emit(day) {
				break
			}
		}

	case FrequencyMonthly:
		y, m, d := first.Date()
		for k := 0; k < (limit+1)*12; k++ {
			candidate := time.Date(y, m+time.Month(k*interval), d, 0, 0, 0, 0, loc)
			if candidate.Day() != d {
				// the month has no such day
				if !until.IsZero() && candidate.After(until) {
					break
				}
				continue
			}
			if !emit(candidate) {
				break
			}
		}

	default:
		return nil, &ValidationError{Field: "recurrence.frequency", Reason: "must be daily, weekly or monthly"}
	}

	if len(out) == 0 {
		return nil, &ValidationError{Field: "recurrence", Reason: "produces no occurrences"}
	}
	if len(out) > maxOccurrences {
		return nil, &ValidationError{Field: "recurrence.end_date", Reason: fmt.Sprintf("series exceeds %d occurrences", maxOccurrences)}
	}
	return out, nil
}

func localDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
