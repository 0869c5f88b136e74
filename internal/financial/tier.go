// Package financial derives the agent's survival tier from its credit
// balance and polls balance sources with last-known-good fallback.
package financial

import "fmt"

// Tier is a survival classification derived from the credit balance.
type Tier string

const (
	TierDead       Tier = "dead"
	TierCritical   Tier = "critical"
	TierLowCompute Tier = "low_compute"
	TierNormal     Tier = "normal"
)

// Rank orders tiers by quality: dead 0, critical 1, low_compute 2,
// normal 3.
func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 1
	case TierLowCompute:
		return 2
	case TierNormal:
		return 3
	default:
		return 0
	}
}

// Thresholds are ascending credit limits in cents: Dead < Critical <
// Normal.
type Thresholds struct {
	Normal   int64
	Critical int64
	Dead     int64
}

// DefaultThresholds are used when configuration supplies none.
var DefaultThresholds = Thresholds{Normal: 500, Critical: 100, Dead: 0}

// DeriveTier maps a credit balance to a tier. A balance equal to a
// threshold falls into the lower tier.
func (th Thresholds) DeriveTier(creditsCents int64) Tier {
	switch {
	case creditsCents > th.Normal:
		return TierNormal
	case creditsCents > th.Critical:
		return TierLowCompute
	case creditsCents > th.Dead:
		return TierCritical
	default:
		return TierDead
	}
}

// Validate reports whether the thresholds ascend.
func (th Thresholds) Validate() error {
	if !(th.Dead < th.Critical && th.Critical < th.Normal) {
		return fmt.Errorf("thresholds must ascend: dead %d < critical %d < normal %d",
			th.Dead, th.Critical, th.Normal)
	}
	return nil
}

// FormatCredits renders cents as dollars, e.g. 123 → "$1.23".
func FormatCredits(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
