/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  - Decimal amounts travel as strings ("1250.50") so no precision is lost
  - Instants are RFC3339 in UTC
  - Optional instants are omitted when unset

VALIDATION:
  Validation is done in handlers and the domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/assignment"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/credits"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/reputation"
)

// =============================================================================
// PROVIDERS
// =============================================================================

type RegisterProviderRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Tier        string   `json:"tier"`
	Specialties []string `json:"specialties"`
	MinAmount   string   `json:"min_amount,omitempty"`
	MaxAmount   string   `json:"max_amount,omitempty"`
}

type ProviderDTO struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Tier            string   `json:"tier"`
	Level           int      `json:"level"`
	LevelPoints     int64    `json:"level_points"`
	Specialties     []string `json:"specialties"`
	MinAmount       string   `json:"min_amount"`
	MaxAmount       string   `json:"max_amount"`
	ActiveCaseCount int      `json:"active_case_count"`
	CreatedAt       string   `json:"created_at"`
}

// StandingDTO is getProviderStanding plus the rolling decline count.
type StandingDTO struct {
	ProviderID     string  `json:"provider_id"`
	Level          int     `json:"level"`
	LevelPoints    int64   `json:"level_points"`
	Tier           string  `json:"tier"`
	SuspendedUntil *string `json:"suspended_until,omitempty"`
	NextLevelAt    *int64  `json:"next_level_at,omitempty"`
	RecentDeclines int     `json:"recent_declines"`
}

type TransactionDTO struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	BasePoints  int64  `json:"base_points"`
	Multiplier  string `json:"multiplier"`
	FinalPoints int64  `json:"final_points"`
	CaseID      string `json:"case_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// RecordActionRequest names an action by wire name, or a review by Stars.
type RecordActionRequest struct {
	Action  string `json:"action"`
	Stars   int    `json:"stars,omitempty"`
	Penalty int64  `json:"penalty,omitempty"`
	CaseID  string `json:"case_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type AssignTierRequest struct {
	Tier string `json:"tier"`
}

type RecordDeclineRequest struct {
	CaseID   string `json:"case_id"`
	Amount   string `json:"amount"`
	TimedOut bool   `json:"timed_out"`
}

type DeclineOutcomeDTO struct {
	ProviderID     string  `json:"provider_id"`
	CaseID         string  `json:"case_id"`
	PenaltyPoints  int64   `json:"penalty_points"`
	FinalPoints    int64   `json:"final_points"`
	TimedOut       bool    `json:"timed_out"`
	WindowCount    int     `json:"window_count"`
	Suspended      bool    `json:"suspended"`
	SuspendedUntil *string `json:"suspended_until,omitempty"`
}

// =============================================================================
// CASES + OFFERS
// =============================================================================

type AssignCaseRequest struct {
	CaseID        string   `json:"case_id"`
	ClientID      string   `json:"client_id"`
	Specialty     string   `json:"specialty"`
	Amount        string   `json:"amount"`
	Urgency       int      `json:"urgency"`
	Enterprise    bool     `json:"enterprise"`
	CandidatePool []string `json:"candidate_pool,omitempty"`
}

type OfferDTO struct {
	ID          string  `json:"id"`
	CaseID      string  `json:"case_id"`
	ProviderID  string  `json:"provider_id"`
	State       string  `json:"state"`
	Amount      string  `json:"amount"`
	OfferedAt   string  `json:"offered_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type CandidateDTO struct {
	ProviderID  string `json:"provider_id"`
	Score       int    `json:"score"`
	BaseFit     int    `json:"base_fit"`
	LevelBonus  int    `json:"level_bonus"`
	PointsBonus int    `json:"points_bonus"`
}

type ExclusionDTO struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

// DecisionDTO is an assignment result. Assigned=false is the
// no-eligible-lawyer outcome, not an error.
type DecisionDTO struct {
	CaseID   string         `json:"case_id"`
	Assigned bool           `json:"assigned"`
	Offer    *OfferDTO      `json:"offer,omitempty"`
	Ranked   []CandidateDTO `json:"ranked"`
	Excluded []ExclusionDTO `json:"excluded"`
}

type CaseOfferDTO struct {
	Current OfferDTO   `json:"current"`
	History []OfferDTO `json:"history"`
}

// OfferResponseRequest identifies the responding provider.
type OfferResponseRequest struct {
	ProviderID string `json:"provider_id"`
}

type CompleteCaseRequest struct {
	ProviderID string `json:"provider_id"`
	Success    bool   `json:"success"`
}

// =============================================================================
// CREDITS
// =============================================================================

type CreditsRequest struct {
	Amount int64 `json:"amount"`
}

type CreditAccountDTO struct {
	ClientID         string `json:"client_id"`
	WeeklyQuota      int64  `json:"weekly_quota"`
	Remaining        int64  `json:"remaining"`
	PurchasedBalance int64  `json:"purchased_balance"`
	Available        int64  `json:"available"`
	LastResetDate    string `json:"last_reset_date"`
}

type ResetReportDTO struct {
	WeekStart string `json:"week_start"`
	Reset     int    `json:"reset"`
	Skipped   int    `json:"skipped"`
}

// =============================================================================
// TIERS
// =============================================================================

type TierDTO struct {
	Tier               string `json:"tier"`
	MonthlyFee         string `json:"monthly_fee"`
	Multiplier         string `json:"multiplier"`
	DailyCaseLimit     int    `json:"daily_case_limit"`
	MonthlyAmountLimit string `json:"monthly_amount_limit"`
	EnterpriseEligible bool   `json:"enterprise_eligible"`
	EffectiveFrom      string `json:"effective_from"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO lists what a scenario run did and what it observed.
type ScenarioResultDTO struct {
	ScenarioID string   `json:"scenario_id"`
	RunID      string   `json:"run_id"`
	Steps      []string `json:"steps"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toProviderDTO(p core.ProviderProfile) ProviderDTO {
	specialties := p.Specialties
	if specialties == nil {
		specialties = []string{}
	}
	return ProviderDTO{
		ID:              string(p.ID),
		Name:            p.Name,
		Tier:            string(p.Tier),
		Level:           p.Level,
		LevelPoints:     p.LevelPoints,
		Specialties:     specialties,
		MinAmount:       p.MinAmount.String(),
		MaxAmount:       p.MaxAmount.String(),
		ActiveCaseCount: p.ActiveCaseCount,
		CreatedAt:       formatTime(p.CreatedAt),
	}
}

func toStandingDTO(s reputation.Standing, recentDeclines int) StandingDTO {
	return StandingDTO{
		ProviderID:     string(s.ProviderID),
		Level:          s.Level,
		LevelPoints:    s.LevelPoints,
		Tier:           string(s.Tier),
		SuspendedUntil: formatTimePtr(s.SuspendedUntil),
		NextLevelAt:    s.NextLevelAt,
		RecentDeclines: recentDeclines,
	}
}

func toTransactionDTO(tx core.PointTransaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Action:      tx.Action,
		BasePoints:  tx.BasePoints,
		Multiplier:  tx.MultiplierApplied.String(),
		FinalPoints: tx.FinalPoints,
		CaseID:      string(tx.CaseID),
		Reason:      tx.Reason,
		Timestamp:   formatTime(tx.Timestamp),
	}
}

func toDeclineOutcomeDTO(o decline.Outcome) DeclineOutcomeDTO {
	return DeclineOutcomeDTO{
		ProviderID:     string(o.Record.ProviderID),
		CaseID:         string(o.Record.CaseID),
		PenaltyPoints:  o.Record.PenaltyPoints,
		FinalPoints:    o.Transaction.FinalPoints,
		TimedOut:       o.Record.TimedOut,
		WindowCount:    o.WindowCount,
		Suspended:      o.Suspended,
		SuspendedUntil: formatTimePtr(o.SuspendedUntil),
	}
}

func toOfferDTO(o core.CaseOffer) OfferDTO {
	return OfferDTO{
		ID:          string(o.ID),
		CaseID:      string(o.CaseID),
		ProviderID:  string(o.ProviderID),
		State:       string(o.State),
		Amount:      o.Amount.String(),
		OfferedAt:   formatTime(o.OfferedAt),
		ResolvedAt:  formatTimePtr(o.ResolvedAt),
		CompletedAt: formatTimePtr(o.CompletedAt),
	}
}

func toDecisionDTO(d assignment.Decision) DecisionDTO {
	dto := DecisionDTO{
		CaseID:   string(d.CaseID),
		Assigned: d.Assigned(),
		Ranked:   make([]CandidateDTO, len(d.Ranked)),
		Excluded: make([]ExclusionDTO, len(d.Excluded)),
	}
	if d.Offer != nil {
		offer := toOfferDTO(*d.Offer)
		dto.Offer = &offer
	}
	for i, c := range d.Ranked {
		dto.Ranked[i] = CandidateDTO{
			ProviderID:  string(c.Provider.ID),
			Score:       c.Score.Total(),
			BaseFit:     c.Score.BaseFit,
			LevelBonus:  c.Score.LevelBonus,
			PointsBonus: c.Score.PointsBonus,
		}
	}
	for i, x := range d.Excluded {
		dto.Excluded[i] = ExclusionDTO{ProviderID: string(x.ProviderID), Reason: string(x.Reason)}
	}
	return dto
}

func toCreditAccountDTO(a core.ClientCreditAccount) CreditAccountDTO {
	return CreditAccountDTO{
		ClientID:         string(a.ClientID),
		WeeklyQuota:      a.WeeklyQuota,
		Remaining:        a.Remaining,
		PurchasedBalance: a.PurchasedBalance,
		Available:        a.Available(),
		LastResetDate:    formatTime(a.LastResetDate),
	}
}

func toResetReportDTO(r credits.ResetReport) ResetReportDTO {
	return ResetReportDTO{WeekStart: formatTime(r.WeekStart), Reset: r.Reset, Skipped: r.Skipped}
}

func toTierDTO(l membership.Limits) TierDTO {
	return TierDTO{
		Tier:               string(l.Tier),
		MonthlyFee:         l.MonthlyFee.String(),
		Multiplier:         l.Multiplier.String(),
		DailyCaseLimit:     l.DailyCaseLimit,
		MonthlyAmountLimit: l.MonthlyAmountLimit.String(),
		EnterpriseEligible: l.EnterpriseEligible,
		EffectiveFrom:      formatTime(l.EffectiveFrom),
	}
}

// parseAmount reads an optional decimal field; empty means zero.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
