/*
Package membership provides the MembershipRegistry: the reference data that
maps a provider's paid plan to its point multiplier and case caps.

PURPOSE:
  Every other component asks this package two questions:
  - "What multiplier applies to this provider's next transaction?" (reputation)
  - "Would this case push the provider over its plan's caps?" (assignment)

TIERS:
  free:         x1.0 points,  3 cases/day,   5,000/month,  no enterprise cases
  basic:        x1.5 points, 10 cases/day,  25,000/month,  no enterprise cases
  professional: x2.0 points, 30 cases/day, 100,000/month,  enterprise cases
  enterprise:   x3.0 points, unlimited,      unlimited,    enterprise cases

VERSIONING:
  Tier data is immutable and versioned by effective date. Changing a plan
  means registering a new TierVersion with a later EffectiveFrom; lookups at
  an instant use the latest version already in force. Historical point
  transactions are never touched because each row stores the multiplier it
  was computed with.

TIER ASSIGNMENT:
  AssignTier changes a provider's plan going forward. It is idempotent and
  only affects future transactions and assignments.

SEE ALSO:
  - factory/tier.go: JSON catalog loading
  - reputation/ledger.go: Applies the multiplier
  - assignment/filter.go: Applies the caps
*/
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
	"go.uber.org/zap"
)

// =============================================================================
// TIERS
// =============================================================================

const (
	TierFree         core.TierName = "free"
	TierBasic        core.TierName = "basic"
	TierProfessional core.TierName = "professional"
	TierEnterprise   core.TierName = "enterprise"
)

// TierVersion is one immutable revision of a tier's terms.
type TierVersion struct {
	Tier               core.TierName
	MonthlyFee         decimal.Decimal
	PointMultiplier    decimal.Decimal
	DailyCaseLimit     int             // 0 = unlimited
	MonthlyAmountLimit decimal.Decimal // zero = unlimited
	EnterpriseEligible bool
	EffectiveFrom      time.Time
}

// Limits is what Lookup returns: the terms in force at one instant.
type Limits struct {
	Tier               core.TierName
	MonthlyFee         decimal.Decimal
	Multiplier         decimal.Decimal
	DailyCaseLimit     int
	MonthlyAmountLimit decimal.Decimal
	EnterpriseEligible bool
	EffectiveFrom      time.Time
}

func (v TierVersion) limits() Limits {
	return Limits{
		Tier:               v.Tier,
		MonthlyFee:         v.MonthlyFee,
		Multiplier:         v.PointMultiplier,
		DailyCaseLimit:     v.DailyCaseLimit,
		MonthlyAmountLimit: v.MonthlyAmountLimit,
		EnterpriseEligible: v.EnterpriseEligible,
		EffectiveFrom:      v.EffectiveFrom,
	}
}

// Validate checks the invariants every tier version must satisfy.
func (v TierVersion) Validate() error {
	switch {
	case v.Tier == "":
		return fmt.Errorf("%w: tier name is required", core.ErrInvalidInput)
	case v.PointMultiplier.LessThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: tier %s multiplier %s is below 1.0", core.ErrInvalidInput, v.Tier, v.PointMultiplier)
	case v.DailyCaseLimit < 0:
		return fmt.Errorf("%w: tier %s daily case limit is negative", core.ErrInvalidInput, v.Tier)
	case v.MonthlyAmountLimit.IsNegative():
		return fmt.Errorf("%w: tier %s monthly amount limit is negative", core.ErrInvalidInput, v.Tier)
	case v.MonthlyFee.IsNegative():
		return fmt.Errorf("%w: tier %s monthly fee is negative", core.ErrInvalidInput, v.Tier)
	}
	return nil
}

// DefaultCatalog returns the standard plans, effective from the zero time.
func DefaultCatalog() []TierVersion {
	return []TierVersion{
		{
			Tier: TierFree, MonthlyFee: decimal.Zero, PointMultiplier: decimal.NewFromInt(1),
			DailyCaseLimit: 3, MonthlyAmountLimit: decimal.NewFromInt(5_000),
		},
		{
			Tier: TierBasic, MonthlyFee: decimal.NewFromInt(29), PointMultiplier: decimal.RequireFromString("1.5"),
			DailyCaseLimit: 10, MonthlyAmountLimit: decimal.NewFromInt(25_000),
		},
		{
			Tier: TierProfessional, MonthlyFee: decimal.NewFromInt(99), PointMultiplier: decimal.NewFromInt(2),
			DailyCaseLimit: 30, MonthlyAmountLimit: decimal.NewFromInt(100_000), EnterpriseEligible: true,
		},
		{
			Tier: TierEnterprise, MonthlyFee: decimal.NewFromInt(299), PointMultiplier: decimal.NewFromInt(3),
			EnterpriseEligible: true,
		},
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is safe for concurrent use. The read path takes only a read lock.
type Registry struct {
	Profiles core.ProfileStore
	Clock    core.Clock
	Log      *zap.Logger
	Notifier core.Notifier
	Retry    core.RetryPolicy
	OnRetry  core.RetryObserver

	mu       sync.RWMutex
	versions map[core.TierName][]TierVersion
}

// NewRegistry creates a registry loaded with catalog.
func NewRegistry(profiles core.ProfileStore, clock core.Clock, log *zap.Logger, catalog []TierVersion) (*Registry, error) {
	r := &Registry{
		Profiles: profiles,
		Clock:    clock,
		Log:      log.Named("membership.registry"),
		Notifier: core.NopNotifier{},
		Retry:    core.DefaultRetryPolicy,
		versions: make(map[core.TierName][]TierVersion),
	}
	for _, v := range catalog {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tier version. Versions of a tier stay sorted by
// EffectiveFrom; registering the same EffectiveFrom twice replaces it.
func (r *Registry) Register(v TierVersion) error {
	if err := v.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.versions[v.Tier]
	for i, existing := range versions {
		if existing.EffectiveFrom.Equal(v.EffectiveFrom) {
			versions[i] = v
			return nil
		}
	}
	versions = append(versions, v)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].EffectiveFrom.Before(versions[j].EffectiveFrom)
	})
	r.versions[v.Tier] = versions
	return nil
}

// Lookup returns the terms of tier in force now.
func (r *Registry) Lookup(tier core.TierName) (Limits, error) {
	return r.LookupAt(tier, r.Clock.Now())
}

// LookupAt returns the terms of tier in force at at.
func (r *Registry) LookupAt(tier core.TierName, at time.Time) (Limits, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[tier]
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].EffectiveFrom.After(at) {
			return versions[i].limits(), nil
		}
	}
	return Limits{}, &core.UnknownTierError{Tier: tier}
}

// Tiers returns the terms of every tier in force now, ordered by multiplier.
func (r *Registry) Tiers() []Limits {
	now := r.Clock.Now()

	r.mu.RLock()
	names := make([]core.TierName, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var result []Limits
	for _, name := range names {
		if l, err := r.LookupAt(name, now); err == nil {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Multiplier.Equal(result[j].Multiplier) {
			return result[i].Multiplier.LessThan(result[j].Multiplier)
		}
		return result[i].Tier < result[j].Tier
	})
	return result
}

// AssignTier moves a provider to tier for all future transactions and
// assignments. Assigning the current tier is a no-op.
func (r *Registry) AssignTier(ctx context.Context, providerID core.ProviderID, tier core.TierName) (core.ProviderProfile, error) {
	if _, err := r.Lookup(tier); err != nil {
		return core.ProviderProfile{}, err
	}

	var (
		stored   core.ProviderProfile
		previous core.TierName
		changed  bool
	)
	err := core.Retry(ctx, r.Retry, "provider", string(providerID), r.OnRetry, func() error {
		p, err := r.Profiles.GetProfile(ctx, providerID)
		if err != nil {
			return err
		}
		if p.Tier == tier {
			stored, changed = p, false
			return nil
		}
		previous = p.Tier
		p.Tier = tier
		p.UpdatedAt = r.Clock.Now()
		stored, err = r.Profiles.CompareAndSwapProfile(ctx, p)
		changed = err == nil
		return err
	})
	if err != nil {
		return core.ProviderProfile{}, err
	}

	if changed {
		r.Log.Info("tier assigned",
			zap.String("provider_id", string(providerID)),
			zap.String("from", string(previous)),
			zap.String("to", string(tier)))
		core.Notify(ctx, r.Notifier, r.Log, string(providerID), core.EventTierChanged, map[string]any{
			"from": string(previous),
			"to":   string(tier),
		})
	}
	return stored, nil
}
