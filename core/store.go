/*
store.go - Persistence interfaces for the engagement engine

PURPOSE:
  Defines the contract between the components and storage. Two kinds of
  data exist and they are treated differently:

  APPEND-ONLY LOGS (never updated, never deleted):
    - PointTransaction rows, keyed by (provider, timestamp)
    - DeclineRecord rows, keyed by (provider, timestamp)

  SINGLE MUTABLE ROWS (compare-and-swap on Version):
    - ProviderProfile, keyed by provider id
    - ClientCreditAccount, keyed by client id
    - the offer slot of a case, keyed by case id

COMPARE-AND-SWAP CONTRACT:
  Callers read a row, modify the copy and hand it back unchanged in Version.
  The store writes it only if the stored Version still equals the one read,
  then stores Version+1 and returns the stored row. Otherwise it returns
  ErrVersionMismatch and writes nothing. See retry.go for the retry loop.

  Serialization is per entity: two providers never contend with each other.

IMPLEMENTATIONS:
  - core/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite (version column + UPDATE ... WHERE version = ?)

SEE ALSO:
  - types.go: Row shapes
  - retry.go: Bounded retry on ErrVersionMismatch
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// PROVIDERS
// =============================================================================

type ProfileStore interface {
	// CreateProfile inserts a new profile with Version 1.
	// Returns ErrProviderExists if the id is taken.
	CreateProfile(ctx context.Context, p ProviderProfile) (ProviderProfile, error)

	// GetProfile returns ErrProviderNotFound for unknown ids.
	GetProfile(ctx context.Context, id ProviderID) (ProviderProfile, error)

	// ListProfiles returns a point-in-time snapshot, ordered by id.
	ListProfiles(ctx context.Context) ([]ProviderProfile, error)

	// CompareAndSwapProfile writes next if the stored version equals next.Version.
	CompareAndSwapProfile(ctx context.Context, next ProviderProfile) (ProviderProfile, error)
}

// PointStore is the reputation ledger's persistence.
type PointStore interface {
	// CommitPoints appends tx and swaps the profile in one atomic step.
	// Either both happen or neither does. This is the ONLY way LevelPoints
	// changes.
	CommitPoints(ctx context.Context, tx PointTransaction, next ProviderProfile) (ProviderProfile, error)

	// PointTransactions returns the provider's ledger, oldest first.
	PointTransactions(ctx context.Context, id ProviderID) ([]PointTransaction, error)
}

// DeclineStore is the refusal log. Records are only ever written together
// with their point transaction.
type DeclineStore interface {
	// CommitDecline appends rec and tx and swaps the profile in one atomic
	// step, so a refusal never exists without its point transaction.
	CommitDecline(ctx context.Context, rec DeclineRecord, tx PointTransaction, next ProviderProfile) (ProviderProfile, error)

	// DeclinesSince returns records with Timestamp >= since, oldest first.
	DeclinesSince(ctx context.Context, id ProviderID, since time.Time) ([]DeclineRecord, error)
}

// =============================================================================
// CASES + OFFERS
// =============================================================================

type CaseStore interface {
	// SaveCase inserts or replaces the case record.
	SaveCase(ctx context.Context, c Case) error
	GetCase(ctx context.Context, id CaseID) (Case, error)
}

type OfferStore interface {
	// CurrentOffer returns the latest offer of the case, or ErrOfferNotFound.
	CurrentOffer(ctx context.Context, caseID CaseID) (CaseOffer, error)

	// CompareAndSwapOffer writes next into the case's offer slot if the slot
	// version equals next.Version (0 = slot must be empty). An offer with a
	// new ID is appended to the case history; the same ID replaces it.
	CompareAndSwapOffer(ctx context.Context, next CaseOffer) (CaseOffer, error)

	// OfferHistory returns every offer ever made for the case, oldest first.
	OfferHistory(ctx context.Context, caseID CaseID) ([]CaseOffer, error)

	// OpenOffers returns offers still in state Offered with OfferedAt < before.
	OpenOffers(ctx context.Context, before time.Time) ([]CaseOffer, error)
}

// =============================================================================
// CLIENT CREDITS
// =============================================================================

type CreditStore interface {
	GetAccount(ctx context.Context, id ClientID) (ClientCreditAccount, error)

	// CreateAccount inserts a new account with Version 1. If the account
	// already exists it returns ErrVersionMismatch so a retry loop re-reads.
	CreateAccount(ctx context.Context, a ClientCreditAccount) (ClientCreditAccount, error)

	CompareAndSwapAccount(ctx context.Context, next ClientCreditAccount) (ClientCreditAccount, error)

	ListAccounts(ctx context.Context) ([]ClientCreditAccount, error)
}

// =============================================================================
// AGGREGATE
// =============================================================================

// Store is everything the engine persists. Both implementations satisfy it.
type Store interface {
	ProfileStore
	PointStore
	DeclineStore
	CaseStore
	OfferStore
	CreditStore
}
