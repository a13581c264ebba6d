/*
errors.go - Centralized error types for the engagement engine

PURPOSE:
  All error kinds in one place. Components wrap these with context; callers
  classify them with errors.Is / errors.As or the helpers at the bottom.

ERROR CATEGORIES:
  1. User-facing: InsufficientCredits, UnknownTier, invalid input
  2. Not found: provider, account, case, offer
  3. Transient: ConcurrentUpdateConflict (surfaced only after retries)
  4. State: an offer is already active, the offer does not match

NOT AN ERROR:
  Suspension is a silent filter inside assignment. NoEligibleLawyer is a
  valid empty decision; ErrNoEligibleLawyer exists only for callers that
  prefer an error value (see assignment.Decision.Err).

SEE ALSO:
  - retry.go: Turns ErrVersionMismatch into ErrConcurrentUpdateConflict
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a consume exceeds the client's
	// weekly plus purchased credit.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnknownTier is returned for a tier name missing from the registry.
	ErrUnknownTier = errors.New("unknown membership tier")

	// ErrNoEligibleLawyer signals an empty assignment decision.
	ErrNoEligibleLawyer = errors.New("no eligible lawyer")

	// ErrVersionMismatch is the raw CAS failure reported by a store.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrConcurrentUpdateConflict is a CAS failure that survived every retry.
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")

	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderExists   = errors.New("provider already exists")
	ErrAccountNotFound  = errors.New("credit account not found")
	ErrCaseNotFound     = errors.New("case not found")
	ErrOfferNotFound    = errors.New("offer not found")

	// ErrActiveOffer is returned when a case already has a non-terminal offer.
	ErrActiveOffer = errors.New("case already has an active offer")

	// ErrOfferMismatch is returned when a response names a provider or state
	// that does not match the case's current offer.
	ErrOfferMismatch = errors.New("offer does not match current state")

	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidInput  = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a credit shortage.
type InsufficientCreditsError struct {
	ClientID  ClientID
	Available int64
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: available %d, requested %d",
		e.ClientID, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// UnknownTierError names the tier that failed lookup.
type UnknownTierError struct {
	Tier TierName
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown membership tier %q", e.Tier)
}

func (e *UnknownTierError) Unwrap() error {
	return ErrUnknownTier
}

// ConflictError reports which entity kept losing its compare-and-swap.
type ConflictError struct {
	Entity   string
	ID       string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update conflict on %s %s after %d attempts",
		e.Entity, e.ID, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentUpdateConflict
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrConcurrentUpdateConflict)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrUnknownTier) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrProviderExists) ||
		errors.Is(err, ErrActiveOffer) ||
		errors.Is(err, ErrOfferMismatch)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProviderNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCaseNotFound) ||
		errors.Is(err, ErrOfferNotFound)
}
