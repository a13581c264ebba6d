/*
Package core provides the shared domain model of the engagement engine.

PURPOSE:
  This package holds the types every component agrees on: who the providers
  and clients are, what a point transaction looks like, how a decline is
  recorded and what a case offer is. The components (membership, reputation,
  decline, assignment, credits) all speak in these types, and the storage
  implementations persist exactly these shapes.

KEY CONCEPTS IN THIS FILE (types.go):
  - ProviderProfile: the single mutable row per provider (points, level, tier,
    suspension, case load). Every write goes through a version-checked CAS.
  - PointTransaction: append-only ledger row. The sum of FinalPoints IS the
    provider's LevelPoints.
  - DeclineRecord: append-only refusal row feeding the rolling window.
  - ClientCreditAccount: weekly quota + purchased balance per client.
  - CaseOffer: the offer slot of a case. At most one non-terminal offer per case.

DESIGN PRINCIPLES:
  1. Append-only logs: PointTransaction and DeclineRecord are never updated
  2. Optimistic concurrency: mutable rows carry a Version used for CAS
  3. Precision: money and multipliers use decimal.Decimal
  4. Type safety: distinct ID types for providers, clients and cases

SEE ALSO:
  - store.go: Persistence interfaces
  - errors.go: Sentinel and structured errors
  - retry.go: Bounded retry of CAS conflicts
*/
package core

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProviderID string
type ClientID string
type CaseID string
type TransactionID string
type OfferID string

// TierName identifies a membership tier. The catalog of valid names lives in
// the membership package; core only carries the value around.
type TierName string

// =============================================================================
// PROVIDER PROFILE - Mutable aggregate per provider
// =============================================================================

// ProviderProfile is owned by the reputation ledger (points, level) and the
// decline tracker (suspension). The assignment engine reads it and mutates
// only the case-load counters.
type ProviderProfile struct {
	ID             ProviderID
	Name           string
	Level          int
	LevelPoints    int64
	Tier           TierName
	SuspendedUntil *time.Time

	// Matching attributes
	Specialties []string
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal // zero = no upper bound

	// Case load. DailyCases and MonthlyAmount count offers reserved or
	// accepted within DayKey / MonthKey; stale keys read as zero.
	ActiveCaseCount int
	DailyCases      int
	DayKey          string
	MonthlyAmount   decimal.Decimal
	MonthKey        string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSuspended reports whether the provider is excluded from assignment at now.
// Suspension lifts lazily: nothing clears SuspendedUntil, it simply expires.
func (p ProviderProfile) IsSuspended(now time.Time) bool {
	return p.SuspendedUntil != nil && p.SuspendedUntil.After(now)
}

// HasSpecialty reports whether the provider practices the given specialty.
func (p ProviderProfile) HasSpecialty(specialty string) bool {
	return slices.Contains(p.Specialties, specialty)
}

// CasesOn returns the number of cases counted against the daily cap on day.
func (p ProviderProfile) CasesOn(day string) int {
	if p.DayKey != day {
		return 0
	}
	return p.DailyCases
}

// AmountIn returns the case amount counted against the monthly cap in month.
func (p ProviderProfile) AmountIn(month string) decimal.Decimal {
	if p.MonthKey != month {
		return decimal.Zero
	}
	return p.MonthlyAmount
}

// Reserve counts one case of the given amount against the day/month windows.
func (p *ProviderProfile) Reserve(amount decimal.Decimal, at time.Time) {
	day, month := DayKey(at), MonthKey(at)
	p.DailyCases = p.CasesOn(day) + 1
	p.DayKey = day
	p.MonthlyAmount = p.AmountIn(month).Add(amount)
	p.MonthKey = month
}

// Release undoes a Reserve made at reservedAt. Windows that have already
// rolled over are left alone.
func (p *ProviderProfile) Release(amount decimal.Decimal, reservedAt time.Time) {
	if p.DayKey == DayKey(reservedAt) && p.DailyCases > 0 {
		p.DailyCases--
	}
	if p.MonthKey == MonthKey(reservedAt) {
		p.MonthlyAmount = decimal.Max(decimal.Zero, p.MonthlyAmount.Sub(amount))
	}
}

// =============================================================================
// POINT TRANSACTION - Append-only reputation ledger row
// =============================================================================

type PointTransaction struct {
	ID                TransactionID
	ProviderID        ProviderID
	Action            string
	BasePoints        int64
	MultiplierApplied decimal.Decimal
	FinalPoints       int64
	CaseID            CaseID
	Reason            string
	Timestamp         time.Time
}

// =============================================================================
// DECLINE RECORD - Append-only refusal row
// =============================================================================

type DeclineRecord struct {
	ID            string
	ProviderID    ProviderID
	CaseID        CaseID
	PenaltyPoints int64
	TimedOut      bool
	Timestamp     time.Time
}

// =============================================================================
// CLIENT CREDIT ACCOUNT
// =============================================================================

// ClientCreditAccount tracks the weekly free credit (Remaining) separately
// from purchased credit. Neither field may go negative.
type ClientCreditAccount struct {
	ClientID         ClientID
	WeeklyQuota      int64
	Remaining        int64
	PurchasedBalance int64
	LastResetDate    time.Time
	Version          int64
	UpdatedAt        time.Time
}

// Available is the total credit a client can spend right now.
func (a ClientCreditAccount) Available() int64 {
	return a.Remaining + a.PurchasedBalance
}

// =============================================================================
// CASE + CASE OFFER
// =============================================================================

// Case is the slice of a case record this subsystem needs. Cases come from
// the case-management component; the engine keeps a copy so that a decline
// can re-run assignment without calling back.
type Case struct {
	ID            CaseID
	ClientID      ClientID
	Specialty     string
	Amount        decimal.Decimal
	Urgency       int
	Enterprise    bool
	CandidatePool []ProviderID // empty = every registered provider
	CreatedAt     time.Time
}

type OfferState string

const (
	OfferOffered  OfferState = "offered"
	OfferAccepted OfferState = "accepted"
	OfferDeclined OfferState = "declined"
	OfferTimedOut OfferState = "timed_out"
)

// IsTerminal reports whether the state frees the case for another offer.
// Accepted is terminal for the offer but also closes the case.
func (s OfferState) IsTerminal() bool {
	return s != OfferOffered
}

// CaseOffer is the offer slot of a case. Version guards the slot: a new offer
// is only written over a terminal one, via CompareAndSwapOffer.
type CaseOffer struct {
	ID         OfferID
	CaseID     CaseID
	ProviderID ProviderID
	State      OfferState
	Amount     decimal.Decimal
	OfferedAt  time.Time
	ResolvedAt *time.Time

	// CompletedAt is set once on an accepted offer when the case closes.
	CompletedAt *time.Time

	Version int64
}
