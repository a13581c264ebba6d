/*
Package assignment provides the AssignmentEngine: it picks which provider is
offered a case and drives the offer through its states.

PURPOSE:
  For every case the engine filters the candidate pool, scores the survivors,
  ranks them and offers the case to the best one. A decline or a timeout
  re-runs the same steps without the providers who already refused.

THE PIPELINE (AssignCase):
  1. FILTER   drop suspended providers, providers whose tier caps the case
              would break, and providers who already refused this case
  2. SCORE    baseFit(specialty, amount, availability) + 5 x level
              + 2 x min(levelPoints/1000, 10)
  3. RANK     score desc, activeCaseCount asc, provider id asc
  4. COMMIT   walk the ranking:
                a. RESERVE the provider: CAS on its profile that re-checks
                   suspension and caps on a fresh read and counts the case
                   against the day/month windows
                b. OFFER: CAS on the case's offer slot. It only succeeds if
                   the slot still holds what we saw (nothing, or a terminal
                   offer)
              A provider that became ineligible between snapshot and
              reservation is skipped. Losing the offer CAS releases the
              reservation and reports core.ErrActiveOffer.

CRITICAL INVARIANTS:
  1. AT MOST ONE ACTIVE OFFER per case: enforced by the slot CAS
  2. NO OVER-CAP OFFER: caps are checked inside the reservation CAS, so two
     concurrent assignments can never both take a provider's last slot
  3. NEVER A SUSPENDED PROVIDER: same re-check

OFFER STATE MACHINE:
              Accept            Complete
  Offered ----------> Accepted ---------> (CompletedAt set)
     |
     | Decline / Timeout   (reservation released, decline recorded,
     v                      pipeline re-run for the next candidate)
  Declined / TimedOut

NO ELIGIBLE LAWYER:
  An empty result is a Decision with no offer, not an error. Callers that
  want an error value use Decision.Err().

SEE ALSO:
  - filter.go: Eligibility checks
  - scoring.go: Match score and ranking
  - decline/tracker.go: Penalizes declines and timeouts
*/
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/metrics"
	"github.com/warp/engagement-engine/reputation"
	"go.uber.org/zap"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Store is the persistence the engine needs.
type Store interface {
	core.ProfileStore
	core.CaseStore
	core.OfferStore
}

type TierLookup interface {
	Lookup(tier core.TierName) (membership.Limits, error)
}

// DeclineRecorder is the slice of the decline tracker the engine calls.
type DeclineRecorder interface {
	RecordDecline(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs decline.CaseAttributes) (decline.Outcome, error)
	RecordTimeout(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs decline.CaseAttributes) (decline.Outcome, error)
	HasRefused(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, since time.Time) (bool, error)
}

// PointRecorder is the slice of the reputation ledger the engine calls.
type PointRecorder interface {
	RecordAction(ctx context.Context, providerID core.ProviderID, action reputation.ActionType, actx reputation.ActionContext) (core.PointTransaction, error)
}

// =============================================================================
// DECISION
// =============================================================================

// Decision is the result of one pass of the pipeline.
type Decision struct {
	CaseID   core.CaseID
	Offer    *core.CaseOffer
	Ranked   []Candidate
	Excluded []Exclusion
}

// Assigned reports whether an offer was made.
func (d Decision) Assigned() bool { return d.Offer != nil }

// ProviderID returns the offered provider, or "" when none was eligible.
func (d Decision) ProviderID() core.ProviderID {
	if d.Offer == nil {
		return ""
	}
	return d.Offer.ProviderID
}

// Err returns core.ErrNoEligibleLawyer for an empty decision.
func (d Decision) Err() error {
	if d.Offer == nil {
		return fmt.Errorf("case %s: %w", d.CaseID, core.ErrNoEligibleLawyer)
	}
	return nil
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    Store
	Tiers    TierLookup
	Declines DeclineRecorder
	Points   PointRecorder
	Clock    core.Clock
	Log      *zap.Logger
	Notifier core.Notifier
	Metrics  *metrics.Metrics
	Retry    core.RetryPolicy
}

func NewEngine(store Store, tiers TierLookup, declines DeclineRecorder, points PointRecorder, clock core.Clock, log *zap.Logger) *Engine {
	return &Engine{
		Store:    store,
		Tiers:    tiers,
		Declines: declines,
		Points:   points,
		Clock:    clock,
		Log:      log.Named("assignment.engine"),
		Notifier: core.NopNotifier{},
		Retry:    core.DefaultRetryPolicy,
	}
}

// AssignCase records the case and offers it to the best eligible provider.
// pool overrides c.CandidatePool when non-empty; an empty pool means every
// registered provider.
func (e *Engine) AssignCase(ctx context.Context, c core.Case, pool []core.ProviderID) (Decision, error) {
	if c.ID == "" {
		return Decision{}, fmt.Errorf("%w: case id is required", core.ErrInvalidInput)
	}
	if c.Amount.IsNegative() {
		return Decision{}, fmt.Errorf("%w: case amount is negative", core.ErrInvalidInput)
	}
	if len(pool) > 0 {
		c.CandidatePool = pool
	}

	slot, err := e.openSlot(ctx, c.ID)
	if err != nil {
		return Decision{}, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.Clock.Now()
	}
	return e.run(ctx, c, slot, true)
}

// openSlot returns the slot version a new offer must CAS against, or an
// error if the case already has a live or accepted offer.
func (e *Engine) openSlot(ctx context.Context, caseID core.CaseID) (int64, error) {
	current, err := e.Store.CurrentOffer(ctx, caseID)
	if errors.Is(err, core.ErrOfferNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	switch current.State {
	case core.OfferOffered:
		return 0, fmt.Errorf("%w: case %s is offered to %s", core.ErrActiveOffer, caseID, current.ProviderID)
	case core.OfferAccepted:
		return 0, fmt.Errorf("%w: case %s was accepted by %s", core.ErrActiveOffer, caseID, current.ProviderID)
	}
	return current.Version, nil
}

// run is steps 1-4 of the pipeline against the slot version slot. When
// save is set the case record is stored once this call wins the slot, so
// a concurrent AssignCase that loses never overwrites it.
func (e *Engine) run(ctx context.Context, c core.Case, slot int64, save bool) (Decision, error) {
	refused, err := e.refused(ctx, c.ID)
	if err != nil {
		return Decision{}, err
	}
	profiles, err := e.pool(ctx, c)
	if err != nil {
		return Decision{}, err
	}

	now := e.Clock.Now()
	candidates, excluded := e.filter(c, profiles, refused, now)
	Rank(candidates)
	decision := Decision{CaseID: c.ID, Ranked: candidates, Excluded: excluded}

	for _, cand := range candidates {
		reserved, err := e.reserve(ctx, cand.Provider.ID, c, now)
		if err != nil {
			return Decision{}, err
		}
		if !reserved {
			e.Log.Debug("candidate no longer eligible",
				zap.String("case_id", string(c.ID)),
				zap.String("provider_id", string(cand.Provider.ID)))
			continue
		}

		offer, err := e.Store.CompareAndSwapOffer(ctx, core.CaseOffer{
			ID:         core.OfferID(uuid.NewString()),
			CaseID:     c.ID,
			ProviderID: cand.Provider.ID,
			State:      core.OfferOffered,
			Amount:     c.Amount,
			OfferedAt:  now,
			Version:    slot,
		})
		if err != nil {
			if relErr := e.release(ctx, cand.Provider.ID, c.Amount, now); relErr != nil {
				e.Log.Error("failed to release reservation", zap.String("provider_id", string(cand.Provider.ID)), zap.Error(relErr))
			}
			if errors.Is(err, core.ErrVersionMismatch) {
				return Decision{}, fmt.Errorf("%w: case %s was offered concurrently", core.ErrActiveOffer, c.ID)
			}
			return Decision{}, err
		}
		if save {
			if err := e.Store.SaveCase(ctx, c); err != nil {
				e.Log.Error("case offered but not saved",
					zap.String("case_id", string(c.ID)),
					zap.String("offer_id", string(offer.ID)),
					zap.Error(err))
				return Decision{}, err
			}
		}

		decision.Offer = &offer
		e.Metrics.Assignment("offered")
		e.Log.Info("case offered",
			zap.String("case_id", string(c.ID)),
			zap.String("provider_id", string(offer.ProviderID)),
			zap.Int("score", cand.Score.Total()),
			zap.Int("candidates", len(candidates)))
		core.Notify(ctx, e.Notifier, e.Log, string(offer.ProviderID), core.EventCaseOffered, map[string]any{
			"case_id":  string(c.ID),
			"offer_id": string(offer.ID),
			"amount":   c.Amount.String(),
		})
		return decision, nil
	}

	e.Metrics.Assignment("no_eligible_lawyer")
	e.Log.Warn("no eligible lawyer",
		zap.String("case_id", string(c.ID)),
		zap.Int("pool", len(profiles)),
		zap.Int("excluded", len(excluded)))
	core.Notify(ctx, e.Notifier, e.Log, string(c.ClientID), core.EventNoEligibleLawyer, map[string]any{
		"case_id": string(c.ID),
	})
	return decision, nil
}

// pool loads the profiles of the case's candidate pool. Unknown ids are
// skipped.
func (e *Engine) pool(ctx context.Context, c core.Case) ([]core.ProviderProfile, error) {
	if len(c.CandidatePool) == 0 {
		return e.Store.ListProfiles(ctx)
	}
	profiles := make([]core.ProviderProfile, 0, len(c.CandidatePool))
	seen := make(map[core.ProviderID]bool, len(c.CandidatePool))
	for _, id := range c.CandidatePool {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, err := e.Store.GetProfile(ctx, id)
		if errors.Is(err, core.ErrProviderNotFound) {
			e.Log.Warn("unknown provider in candidate pool",
				zap.String("case_id", string(c.ID)),
				zap.String("provider_id", string(id)))
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// refused returns the providers who declined or timed out on the case.
func (e *Engine) refused(ctx context.Context, caseID core.CaseID) (map[core.ProviderID]bool, error) {
	history, err := e.Store.OfferHistory(ctx, caseID)
	if err != nil {
		return nil, err
	}
	refused := make(map[core.ProviderID]bool)
	for _, o := range history {
		if o.State == core.OfferDeclined || o.State == core.OfferTimedOut {
			refused[o.ProviderID] = true
		}
	}
	return refused, nil
}

// =============================================================================
// RESERVATION - the second check, inside the profile CAS
// =============================================================================

// reserve counts the case against the provider's caps if, on a fresh read,
// the provider is still eligible. It reports false when it is not.
func (e *Engine) reserve(ctx context.Context, providerID core.ProviderID, c core.Case, at time.Time) (bool, error) {
	reserved := false
	err := core.Retry(ctx, e.Retry, "provider", string(providerID), e.Metrics.CASRetry, func() error {
		p, err := e.Store.GetProfile(ctx, providerID)
		if err != nil {
			return err
		}
		if reason := e.eligibility(c, p, at); reason != "" {
			reserved = false
			return nil
		}
		p.Reserve(c.Amount, at)
		p.UpdatedAt = at
		_, err = e.Store.CompareAndSwapProfile(ctx, p)
		reserved = err == nil
		return err
	})
	return reserved, err
}

// release undoes a reserve made at reservedAt.
func (e *Engine) release(ctx context.Context, providerID core.ProviderID, amount decimal.Decimal, reservedAt time.Time) error {
	return e.updateProfile(ctx, providerID, func(p *core.ProviderProfile) {
		p.Release(amount, reservedAt)
	})
}

func (e *Engine) updateProfile(ctx context.Context, providerID core.ProviderID, mutate func(p *core.ProviderProfile)) error {
	return core.Retry(ctx, e.Retry, "provider", string(providerID), e.Metrics.CASRetry, func() error {
		p, err := e.Store.GetProfile(ctx, providerID)
		if err != nil {
			return err
		}
		mutate(&p)
		p.UpdatedAt = e.Clock.Now()
		_, err = e.Store.CompareAndSwapProfile(ctx, p)
		return err
	})
}
