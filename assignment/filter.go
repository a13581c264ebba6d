package assignment

import (
	"time"

	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/membership"
)

// ExclusionReason says why a provider in the pool was not ranked.
type ExclusionReason string

const (
	ExcludedSuspended       ExclusionReason = "suspended"
	ExcludedAlreadyRefused  ExclusionReason = "already_refused"
	ExcludedUnknownTier     ExclusionReason = "unknown_tier"
	ExcludedDailyCap        ExclusionReason = ExclusionReason(membership.CapDailyCases)
	ExcludedMonthlyCap      ExclusionReason = ExclusionReason(membership.CapMonthlyAmount)
	ExcludedEnterpriseLimit ExclusionReason = ExclusionReason(membership.CapEnterpriseIneligible)
)

type Exclusion struct {
	ProviderID core.ProviderID
	Reason     ExclusionReason
}

// eligibility checks one provider against the case at now. The same check
// runs twice: once on the snapshot while ranking, and again inside the
// reservation CAS on a fresh read of the profile.
func (e *Engine) eligibility(c core.Case, p core.ProviderProfile, now time.Time) ExclusionReason {
	if p.IsSuspended(now) {
		return ExcludedSuspended
	}
	limits, err := e.Tiers.Lookup(p.Tier)
	if err != nil {
		return ExcludedUnknownTier
	}
	return ExclusionReason(limits.Check(p, c.Amount, c.Enterprise, now))
}

// filter splits profiles into scored candidates and exclusions. refused holds
// providers who already declined or let an offer for this case time out.
func (e *Engine) filter(c core.Case, profiles []core.ProviderProfile, refused map[core.ProviderID]bool, now time.Time) ([]Candidate, []Exclusion) {
	var (
		candidates []Candidate
		excluded   []Exclusion
	)
	for _, p := range profiles {
		var reason ExclusionReason
		if refused[p.ID] {
			reason = ExcludedAlreadyRefused
		} else {
			reason = e.eligibility(c, p, now)
		}
		if reason != "" {
			excluded = append(excluded, Exclusion{ProviderID: p.ID, Reason: reason})
			continue
		}
		candidates = append(candidates, Candidate{Provider: p, Score: MatchScore(c, p)})
	}
	return candidates, excluded
}
