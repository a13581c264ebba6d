package assignment

import (
	"cmp"
	"slices"

	"github.com/warp/engagement-engine/core"
)

// =============================================================================
// MATCH SCORE
// =============================================================================

// Score weights.
const (
	SpecialtyFit   = 50
	AmountRangeFit = 20

	LevelBonusPerLevel = 5

	PointsBonusPerThousand = 2
	PointsBonusCap         = 10 // thousands of points
)

// availabilityFit rewards providers with a light case load.
func availabilityFit(active int) int {
	switch {
	case active == 0:
		return 30
	case active < 3:
		return 20
	case active < 6:
		return 10
	}
	return 0
}

// Score is a match score broken into its terms.
type Score struct {
	BaseFit     int
	LevelBonus  int
	PointsBonus int
}

func (s Score) Total() int { return s.BaseFit + s.LevelBonus + s.PointsBonus }

// MatchScore scores provider p for case c. It is a pure function of the two.
func MatchScore(c core.Case, p core.ProviderProfile) Score {
	return Score{
		BaseFit:     BaseFit(c, p),
		LevelBonus:  LevelBonusPerLevel * p.Level,
		PointsBonus: PointsBonusPerThousand * int(min(max(p.LevelPoints/1000, 0), PointsBonusCap)),
	}
}

// BaseFit scores attribute overlap: specialty, amount range and availability.
// A case without a specialty fits every provider on that term.
func BaseFit(c core.Case, p core.ProviderProfile) int {
	fit := 0
	if c.Specialty == "" || p.HasSpecialty(c.Specialty) {
		fit += SpecialtyFit
	}
	if !c.Amount.LessThan(p.MinAmount) && (p.MaxAmount.IsZero() || !c.Amount.GreaterThan(p.MaxAmount)) {
		fit += AmountRangeFit
	}
	return fit + availabilityFit(p.ActiveCaseCount)
}

// =============================================================================
// RANKING
// =============================================================================

// Candidate is an eligible provider with its score at evaluation time.
type Candidate struct {
	Provider core.ProviderProfile
	Score    Score
}

// Rank orders candidates by total score descending, then by active case
// count ascending, then by provider id ascending. The order is total, so
// equal inputs always rank identically.
func Rank(candidates []Candidate) {
	slices.SortFunc(candidates, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score.Total(), a.Score.Total()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Provider.ActiveCaseCount, b.Provider.ActiveCaseCount); c != 0 {
			return c
		}
		return cmp.Compare(a.Provider.ID, b.Provider.ID)
	})
}
