package booking

import (
	"math"
	"sort"
	"time"

	"github.com/codr1/courtbook/internal/config"
)

// RefundTier grants Percent of the total when cancelling at least
// MinHoursBefore hours ahead of the start.
type RefundTier struct {
	MinHoursBefore float64
	Percent        int
}

type RefundPolicy struct {
	tiers []RefundTier
}

// NewRefundPolicy orders tiers from the longest notice to the shortest.
func NewRefundPolicy(tiers []RefundTier) RefundPolicy {
	sorted := append([]RefundTier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinHoursBefore > sorted[j].MinHoursBefore
	})
	return RefundPolicy{tiers: sorted}
}

// DefaultRefundPolicy refunds everything a day ahead and half two hours ahead.
func DefaultRefundPolicy() RefundPolicy {
	return NewRefundPolicy([]RefundTier{
		{MinHoursBefore: 24, Percent: 100},
		{MinHoursBefore: 2, Percent: 50},
	})
}

func RefundPolicyFromConfig(tiers []config.RefundTier) RefundPolicy {
	if len(tiers) == 0 {
		return DefaultRefundPolicy()
	}
	out := make([]RefundTier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, RefundTier{MinHoursBefore: t.MinHoursBefore, Percent: t.Percent})
	}
	return NewRefundPolicy(out)
}

type Refund struct {
	Amount           int64   `json:"amount"`
	Percentage       int     `json:"percentage"`
	HoursBeforeStart float64 `json:"hours_before_start"`
}

// Calculate computes the refund for cancelling at now. An override is clamped
// to [0, total] and bypasses the tiers.
func (p RefundPolicy) Calculate(now, start time.Time, total int64, override *int64) Refund {
	hours := start.Sub(now).Hours()
	refund := Refund{HoursBeforeStart: math.Round(hours*100) / 100}
	if total < 0 {
		total = 0
	}

	switch {
	case override != nil:
		refund.Amount = min(max(*override, 0), total)
	default:
		for _, tier := range p.tiers {
			if hours >= tier.MinHoursBefore {
				refund.Amount = (total*int64(tier.Percent) + 50) / 100
				break
			}
		}
	}

	if total > 0 {
		refund.Percentage = int(math.Round(float64(refund.Amount) / float64(total) * 100))
	}
	return refund
}
