package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/db"
)

// RuleFromRow converts a stored price rule.
func RuleFromRow(row db.PriceRule) (Rule, error) {
	start, err := ParseClock(row.StartTime)
	if err != nil {
		return Rule{}, fmt.Errorf("price rule %d start: %w", row.ID, err)
	}
	end, err := ParseClock(row.EndTime)
	if err != nil {
		return Rule{}, fmt.Errorf("price rule %d end: %w", row.ID, err)
	}
	if row.DayOfWeek < 0 || row.DayOfWeek > 6 {
		return Rule{}, fmt.Errorf("price rule %d: day_of_week %d out of range", row.ID, row.DayOfWeek)
	}
	return Rule{
		ID:           row.ID,
		CourtID:      row.CourtID,
		DayOfWeek:    time.Weekday(row.DayOfWeek),
		StartMinute:  start,
		EndMinute:    end,
		PricePerHour: row.PricePerHour,
		Active:       row.IsActive,
	}, nil
}

type ruleKey struct {
	courtID int64
	day     time.Weekday
}

// RuleSet indexes rules by court and weekday.
type RuleSet struct {
	rules map[ruleKey][]Rule
}

func NewRuleSet(rules []Rule) *RuleSet {
	set := &RuleSet{rules: make(map[ruleKey][]Rule)}
	for _, r := range rules {
		k := ruleKey{courtID: r.CourtID, day: r.DayOfWeek}
		set.rules[k] = append(set.rules[k], r)
	}
	return set
}

func (s *RuleSet) For(courtID int64, day time.Weekday) []Rule {
	if s == nil {
		return nil
	}
	return s.rules[ruleKey{courtID: courtID, day: day}]
}

// Price quotes an absolute interval for a court using the facility location.
func (s *RuleSet) Price(courtID int64, start, end time.Time, loc *time.Location) (Quote, error) {
	day, startMinute, endMinute, err := LocalMinutes(start, end, loc)
	if err != nil {
		return Quote{}, err
	}
	return Compute(s.For(courtID, day), startMinute, endMinute)
}

// RuleStore is the subset of the query layer the evaluator reads.
type RuleStore interface {
	ListActivePriceRules(ctx context.Context, arg db.ListActivePriceRulesParams) ([]db.PriceRule, error)
}

// Evaluator loads rules from the durable store on demand.
type Evaluator struct {
	store RuleStore
}

func NewEvaluator(store RuleStore) *Evaluator {
	return &Evaluator{store: store}
}

// LoadRuleSet fetches the active rules for the given courts and weekdays.
// Rows that cannot be parsed are logged and skipped.
func (e *Evaluator) LoadRuleSet(ctx context.Context, courtIDs []int64, days []time.Weekday) (*RuleSet, error) {
	dayValues := make([]int64, 0, len(days))
	for _, d := range days {
		dayValues = append(dayValues, int64(d))
	}
	rows, err := e.store.ListActivePriceRules(ctx, db.ListActivePriceRulesParams{
		CourtIDs:   courtIDs,
		DaysOfWeek: dayValues,
	})
	if err != nil {
		return nil, fmt.Errorf("list price rules: %w", err)
	}

	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := RuleFromRow(row)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Int64("price_rule_id", row.ID).Msg("Skipping malformed price rule")
			continue
		}
		rules = append(rules, rule)
	}
	return NewRuleSet(rules), nil
}

// Price quotes a single interval for one court.
func (e *Evaluator) Price(ctx context.Context, courtID int64, start, end time.Time, loc *time.Location) (Quote, error) {
	if loc == nil {
		loc = time.UTC
	}
	day := start.In(loc).Weekday()
	set, err := e.LoadRuleSet(ctx, []int64{courtID}, []time.Weekday{day})
	if err != nil {
		return Quote{}, err
	}
	return set.Price(courtID, start, end, loc)
}
