/*
Package factory provides JSON to Go tier-catalog conversion.

PURPOSE:
  Converts JSON tier definitions into membership.TierVersion values so the
  plan catalog can change without a code change: billing ships a new file,
  the service loads it at startup.

JSON SCHEMA:
  {
    "tiers": [
      {
        "tier": "professional",
        "monthly_fee": "99",
        "point_multiplier": "2.0",
        "daily_case_limit": 30,
        "monthly_amount_limit": "100000",
        "enterprise_eligible": true,
        "effective_from": "2026-01-01"
      }
    ]
  }

  Decimal fields are strings so fees and multipliers keep exact precision.
  "effective_from" accepts a date or an RFC3339 timestamp; omitted means
  "since forever". "daily_case_limit": 0 and an omitted
  "monthly_amount_limit" mean unlimited.

USAGE:
  versions, err := factory.NewTierFactory().ParseCatalog(data)
  registry, err := membership.NewRegistry(store, clock, log, versions)

SEE ALSO:
  - membership/registry.go: TierVersion and validation
  - config/config.go: membership.catalog_path
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/membership"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a tier catalog.
type CatalogJSON struct {
	Tiers []TierJSON `json:"tiers"`
}

// TierJSON is one tier version.
type TierJSON struct {
	Tier               string           `json:"tier"`
	MonthlyFee         *decimal.Decimal `json:"monthly_fee,omitempty"`
	PointMultiplier    decimal.Decimal  `json:"point_multiplier"`
	DailyCaseLimit     int              `json:"daily_case_limit,omitempty"`
	MonthlyAmountLimit *decimal.Decimal `json:"monthly_amount_limit,omitempty"`
	EnterpriseEligible bool             `json:"enterprise_eligible,omitempty"`
	EffectiveFrom      string           `json:"effective_from,omitempty"`
}

// =============================================================================
// TIER FACTORY
// =============================================================================

// TierFactory converts JSON tier catalogs to membership tier versions.
type TierFactory struct{}

func NewTierFactory() *TierFactory {
	return &TierFactory{}
}

// LoadCatalog reads and parses a catalog file.
func (f *TierFactory) LoadCatalog(path string) ([]membership.TierVersion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier catalog: %w", err)
	}
	return f.ParseCatalog(data)
}

// ParseCatalog parses a JSON catalog. Every version is validated; the first
// invalid one fails the whole catalog.
func (f *TierFactory) ParseCatalog(data []byte) ([]membership.TierVersion, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse tier catalog JSON: %w", err)
	}
	if len(cj.Tiers) == 0 {
		return nil, fmt.Errorf("%w: tier catalog is empty", core.ErrInvalidInput)
	}

	versions := make([]membership.TierVersion, 0, len(cj.Tiers))
	for i, tj := range cj.Tiers {
		v, err := f.FromJSON(tj)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", i, err)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// FromJSON converts a TierJSON to a validated membership.TierVersion.
func (f *TierFactory) FromJSON(tj TierJSON) (membership.TierVersion, error) {
	effective, err := parseEffectiveFrom(tj.EffectiveFrom)
	if err != nil {
		return membership.TierVersion{}, err
	}

	v := membership.TierVersion{
		Tier:               core.TierName(tj.Tier),
		PointMultiplier:    tj.PointMultiplier,
		DailyCaseLimit:     tj.DailyCaseLimit,
		EnterpriseEligible: tj.EnterpriseEligible,
		EffectiveFrom:      effective,
	}
	if tj.MonthlyFee != nil {
		v.MonthlyFee = *tj.MonthlyFee
	}
	if tj.MonthlyAmountLimit != nil {
		v.MonthlyAmountLimit = *tj.MonthlyAmountLimit
	}

	if err := v.Validate(); err != nil {
		return membership.TierVersion{}, err
	}
	return v, nil
}

// ToJSON converts tier versions back to their JSON form.
func (f *TierFactory) ToJSON(versions []membership.TierVersion) CatalogJSON {
	cj := CatalogJSON{Tiers: make([]TierJSON, 0, len(versions))}
	for _, v := range versions {
		fee, limit := v.MonthlyFee, v.MonthlyAmountLimit
		tj := TierJSON{
			Tier:               string(v.Tier),
			MonthlyFee:         &fee,
			PointMultiplier:    v.PointMultiplier,
			DailyCaseLimit:     v.DailyCaseLimit,
			EnterpriseEligible: v.EnterpriseEligible,
		}
		if limit.IsPositive() {
			tj.MonthlyAmountLimit = &limit
		}
		if !v.EffectiveFrom.IsZero() {
			tj.EffectiveFrom = v.EffectiveFrom.Format(time.RFC3339)
		}
		cj.Tiers = append(cj.Tiers, tj)
	}
	return cj
}

func parseEffectiveFrom(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: effective_from %q is neither a date nor RFC3339", core.ErrInvalidInput, s)
	}
	return t.UTC(), nil
}
