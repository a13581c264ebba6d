package decline

import "github.com/shopspring/decimal"

// Penalty terms, in base points before the tier multiplier.
const (
	BasePenalty        int64 = 30
	HighValueSurcharge int64 = 20
	SeniorSurcharge    int64 = 10
	RepeatSurcharge    int64 = 10

	// SeniorLevel is the provider level from which SeniorSurcharge applies.
	SeniorLevel = 7
)

// PenaltyContext is everything the penalty depends on. RecentDeclines is the
// trailing-window count evaluated before the decline being penalized.
type PenaltyContext struct {
	CaseAmount         decimal.Decimal
	HighValueThreshold decimal.Decimal
	Level              int
	RecentDeclines     int
}

// Penalty returns the positive number of base points a decline costs:
//
//	30 + 20 if CaseAmount > HighValueThreshold
//	   + 10 if Level >= 7
//	   + 10 x RecentDeclines
func Penalty(pc PenaltyContext) int64 {
	penalty := BasePenalty
	if pc.CaseAmount.GreaterThan(pc.HighValueThreshold) {
		penalty += HighValueSurcharge
	}
	if pc.Level >= SeniorLevel {
		penalty += SeniorSurcharge
	}
	if pc.RecentDeclines > 0 {
		penalty += RepeatSurcharge * int64(pc.RecentDeclines)
	}
	return penalty
}
