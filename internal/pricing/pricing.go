// Package pricing computes the cost of a court interval from per-weekday
// hourly price rules.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// ErrNoCoverage is returned when no active rule overlaps the requested interval.
var ErrNoCoverage = errors.New("no price rule covers the requested interval")

// ErrSpansDays is returned for intervals that do not fit within one local day.
var ErrSpansDays = errors.New("interval spans more than one local day")

// Rule is an hourly price applied to a window of one weekday. Minutes are
// offsets from local midnight; EndMinute may be 1440.
type Rule struct {
	ID           int64
	CourtID      int64
	DayOfWeek    time.Weekday
	StartMinute  int
	EndMinute    int
	PricePerHour int64
	Active       bool
}

// Line is the contribution of a single rule to a quote.
type Line struct {
	RuleID       int64   `json:"rule_id"`
	TimeSlot     string  `json:"time_slot"`
	PricePerHour int64   `json:"price_per_hour"`
	Minutes      int     `json:"minutes"`
	Hours        float64 `json:"hours"`
	Cost         int64   `json:"cost"`
}

type Quote struct {
	Total          int64   `json:"total"`
	CoveredMinutes int     `json:"covered_minutes"`
	DurationHours  float64 `json:"duration_hours"`
	Breakdown      []Line  `json:"breakdown"`
}

// ParseClock parses "HH:MM" (or "HH:MM:SS") into minutes since midnight.
// "24:00" is accepted and yields 1440.
func ParseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock hour %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock minute %q", value)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid clock second %q", value)
		}
	}
	if minute < 0 || minute > 59 || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("clock time out of range %q", value)
	}
	total := hour*60 + minute
	if total > minutesPerDay {
		return 0, fmt.Errorf("clock time out of range %q", value)
	}
	return total, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Compute prices [startMinute, endMinute) against rules. Contributions of
// overlapping rules add up. The total is rounded half up to a whole minor unit
// and the breakdown costs sum to it exactly.
func Compute(rules []Rule, startMinute, endMinute int) (Quote, error) {
	if endMinute <= startMinute {
		return Quote{}, fmt.Errorf("end minute %d must be after start minute %d", endMinute, startMinute)
	}

	var (
		weighted int64
		covered  int
		lines    []Line
	)
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		overlap := min(endMinute, rule.EndMinute) - max(startMinute, rule.StartMinute)
		if overlap <= 0 {
			continue
		}
		part := rule.PricePerHour * int64(overlap)
		weighted += part
		covered += overlap
		lines = append(lines, Line{
			RuleID:       rule.ID,
			TimeSlot:     FormatClock(rule.StartMinute) + "-" + FormatClock(rule.EndMinute),
			PricePerHour: rule.PricePerHour,
			Minutes:      overlap,
			Hours:        roundHours(overlap),
			Cost:         divRoundHalfUp(part, 60),
		})
	}
	if covered == 0 {
		return Quote{}, ErrNoCoverage
	}

	// Lines are rounded one by one; the last line absorbs the difference so
	// that the breakdown always sums to the total.
	total := divRoundHalfUp(weighted, 60)
	var sum int64
	for _, l := range lines {
		sum += l.Cost
	}
	lines[len(lines)-1].Cost += total - sum

	return Quote{
		Total:          total,
		CoveredMinutes: covered,
		DurationHours:  roundHours(endMinute - startMinute),
		Breakdown:      lines,
	}, nil
}

// LocalMinutes converts an absolute interval into weekday and minute offsets in
// loc. An end falling exactly on the following local midnight maps to 1440.
func LocalMinutes(start, end time.Time, loc *time.Location) (time.Weekday, int, int, error) {
	if loc == nil {
		loc = time.UTC
	}
	ls := start.In(loc)
	le := end.In(loc)
	if !le.After(ls) {
		return 0, 0, 0, fmt.Errorf("end %s must be after start %s", end, start)
	}

	startMinute := ls.Hour()*60 + ls.Minute()
	var endMinute int
	sy, sm, sd := ls.Date()
	ey, em, ed := le.Date()
	switch {
	case sy == ey && sm == em && sd == ed:
		endMinute = le.Hour()*60 + le.Minute()
		if le.Second() > 0 || le.Nanosecond() > 0 {
			endMinute++
		}
	case le.Hour() == 0 && le.Minute() == 0 && le.Second() == 0 && le.Nanosecond() == 0 &&
		time.Date(sy, sm, sd+1, 0, 0, 0, 0, loc).Equal(le):
		endMinute = minutesPerDay
	default:
		return 0, 0, 0, ErrSpansDays
	}
	return ls.Weekday(), startMinute, endMinute, nil
}

func divRoundHalfUp(value, divisor int64) int64 {
	if value < 0 {
		return -divRoundHalfUp(-value, divisor)
	}
	return (value + divisor/2) / divisor
}

func roundHours(minutes int) float64 {
	return math.Round(float64(minutes)/60*100) / 100
}
