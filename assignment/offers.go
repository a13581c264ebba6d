package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/reputation"
	"go.uber.org/zap"
)

// =============================================================================
// OFFER RESPONSES
// =============================================================================

// Accept finalizes the case's live offer for providerID and counts the case
// as active for the provider.
func (e *Engine) Accept(ctx context.Context, caseID core.CaseID, providerID core.ProviderID) (core.CaseOffer, error) {
	offer, err := e.resolve(ctx, caseID, core.OfferAccepted, func(o core.CaseOffer) error {
		return expectLive(o, providerID)
	})
	if err != nil {
		return core.CaseOffer{}, err
	}

	// The acceptance is already committed; a failed load update must not
	// turn it into an error the caller would retry against a closed offer.
	if err := e.updateProfile(ctx, providerID, func(p *core.ProviderProfile) {
		p.ActiveCaseCount++
	}); err != nil {
		e.Log.Error("offer accepted but active case count not incremented",
			zap.String("case_id", string(caseID)),
			zap.String("provider_id", string(providerID)),
			zap.Error(err))
	}

	e.Log.Info("offer accepted",
		zap.String("case_id", string(caseID)),
		zap.String("provider_id", string(providerID)))
	if c, err := e.Store.GetCase(ctx, caseID); err == nil {
		core.Notify(ctx, e.Notifier, e.Log, string(c.ClientID), core.EventOfferAccepted, map[string]any{
			"case_id":     string(caseID),
			"provider_id": string(providerID),
		})
	}
	return offer, nil
}

// Decline records providerID's refusal of the case's live offer and offers
// the case to the next eligible provider.
//
// Calling it again after a failure is safe: if the offer was already closed
// as declined by providerID but the penalty never landed, the refusal is
// resumed from the penalty step.
func (e *Engine) Decline(ctx context.Context, caseID core.CaseID, providerID core.ProviderID) (Decision, error) {
	offer, err := e.resolve(ctx, caseID, core.OfferDeclined, func(o core.CaseOffer) error {
		return expectLive(o, providerID)
	})
	if errors.Is(err, core.ErrOfferMismatch) {
		offer, err = e.unfinishedRefusal(ctx, caseID, core.OfferDeclined, providerID, err)
	}
	if err != nil {
		return Decision{}, err
	}
	return e.reassign(ctx, offer, e.Declines.RecordDecline)
}

// Timeout expires the case's live offer, whoever holds it, and offers the
// case to the next eligible provider. A timeout is penalized like a decline
// and resumes an unfinished timeout the same way Decline does.
func (e *Engine) Timeout(ctx context.Context, caseID core.CaseID) (Decision, error) {
	offer, err := e.resolve(ctx, caseID, core.OfferTimedOut, func(o core.CaseOffer) error {
		return expectLive(o, "")
	})
	if errors.Is(err, core.ErrOfferMismatch) {
		offer, err = e.unfinishedRefusal(ctx, caseID, core.OfferTimedOut, "", err)
	}
	if err != nil {
		return Decision{}, err
	}
	return e.reassign(ctx, offer, e.Declines.RecordTimeout)
}

// unfinishedRefusal returns the case's current offer if it was closed with
// state (by providerID, when given) and no refusal was recorded for it since
// it was made. Otherwise it returns mismatch unchanged.
func (e *Engine) unfinishedRefusal(ctx context.Context, caseID core.CaseID, state core.OfferState, providerID core.ProviderID, mismatch error) (core.CaseOffer, error) {
	o, err := e.Store.CurrentOffer(ctx, caseID)
	if err != nil {
		return core.CaseOffer{}, err
	}
	if o.State != state || (providerID != "" && o.ProviderID != providerID) {
		return core.CaseOffer{}, mismatch
	}
	refused, err := e.Declines.HasRefused(ctx, o.ProviderID, caseID, o.OfferedAt)
	if err != nil {
		return core.CaseOffer{}, err
	}
	if refused {
		return core.CaseOffer{}, mismatch
	}
	e.Log.Warn("resuming unfinished refusal",
		zap.String("case_id", string(caseID)),
		zap.String("provider_id", string(o.ProviderID)),
		zap.String("state", string(state)))
	return o, nil
}

type refusalRecorder func(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs decline.CaseAttributes) (decline.Outcome, error)

// reassign runs after an offer was declined or timed out: the refusal is
// penalized, the reservation is released and the pipeline re-runs.
//
// The penalty goes first. Until it is committed the refusal can be resumed
// (unfinishedRefusal); once it is, nothing after it is retried, so a failed
// release is logged rather than returned.
func (e *Engine) reassign(ctx context.Context, refusedOffer core.CaseOffer, record refusalRecorder) (Decision, error) {
	c, err := e.Store.GetCase(ctx, refusedOffer.CaseID)
	if err != nil {
		return Decision{}, err
	}

	if _, err := record(ctx, refusedOffer.ProviderID, c.ID, decline.CaseAttributes{Amount: c.Amount}); err != nil {
		return Decision{}, err
	}

	if err := e.release(ctx, refusedOffer.ProviderID, refusedOffer.Amount, refusedOffer.OfferedAt); err != nil {
		e.Log.Error("failed to release reservation after refusal",
			zap.String("case_id", string(c.ID)),
			zap.String("provider_id", string(refusedOffer.ProviderID)),
			zap.Error(err))
	}

	e.Log.Info("offer refused, reassigning",
		zap.String("case_id", string(c.ID)),
		zap.String("provider_id", string(refusedOffer.ProviderID)),
		zap.String("state", string(refusedOffer.State)))
	return e.run(ctx, c, refusedOffer.Version, false)
}

// Complete closes an accepted case: the provider's active load drops by one
// and the outcome is recorded on the reputation ledger.
func (e *Engine) Complete(ctx context.Context, caseID core.CaseID, providerID core.ProviderID, success bool) (core.PointTransaction, error) {
	now := e.Clock.Now()
	err := core.Retry(ctx, e.Retry, "offer", string(caseID), e.Metrics.CASRetry, func() error {
		o, err := e.Store.CurrentOffer(ctx, caseID)
		if err != nil {
			return err
		}
		if o.State != core.OfferAccepted || o.ProviderID != providerID {
			return fmt.Errorf("%w: case %s is not accepted by %s", core.ErrOfferMismatch, caseID, providerID)
		}
		if o.CompletedAt != nil {
			return fmt.Errorf("%w: case %s is already complete", core.ErrOfferMismatch, caseID)
		}
		o.CompletedAt = &now
		_, err = e.Store.CompareAndSwapOffer(ctx, o)
		return err
	})
	if err != nil {
		return core.PointTransaction{}, err
	}

	if err := e.updateProfile(ctx, providerID, func(p *core.ProviderProfile) {
		if p.ActiveCaseCount > 0 {
			p.ActiveCaseCount--
		}
	}); err != nil {
		return core.PointTransaction{}, err
	}

	action := reputation.ActionCaseCompleteSuccess
	if !success {
		action = reputation.ActionCaseCompleteFailure
	}
	return e.Points.RecordAction(ctx, providerID, action, reputation.ActionContext{CaseID: caseID})
}

// =============================================================================
// TIMEOUT SWEEP
// =============================================================================

// SweepTimedOut times out every live offer made more than ttl ago and
// re-assigns those cases. It returns the number of offers expired.
func (e *Engine) SweepTimedOut(ctx context.Context, ttl time.Duration) (int, error) {
	open, err := e.Store.OpenOffers(ctx, e.Clock.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, stale := range open {
		offer, err := e.resolve(ctx, stale.CaseID, core.OfferTimedOut, func(o core.CaseOffer) error {
			if o.ID != stale.ID {
				return fmt.Errorf("%w: offer %s was replaced", core.ErrOfferMismatch, stale.ID)
			}
			return expectLive(o, "")
		})
		if errors.Is(err, core.ErrOfferMismatch) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		if _, err := e.reassign(ctx, offer, e.Declines.RecordTimeout); err != nil {
			e.Log.Error("reassignment after timeout failed",
				zap.String("case_id", string(offer.CaseID)),
				zap.Error(err))
		}
	}
	if expired > 0 {
		e.Log.Info("offer timeout sweep", zap.Int("expired", expired))
	}
	return expired, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) CurrentOffer(ctx context.Context, caseID core.CaseID) (core.CaseOffer, error) {
	return e.Store.CurrentOffer(ctx, caseID)
}

func (e *Engine) OfferHistory(ctx context.Context, caseID core.CaseID) ([]core.CaseOffer, error) {
	return e.Store.OfferHistory(ctx, caseID)
}

// =============================================================================
// HELPERS
// =============================================================================

// resolve moves the case's current offer to a terminal state under CAS.
// check vets the offer read on each attempt.
func (e *Engine) resolve(ctx context.Context, caseID core.CaseID, state core.OfferState, check func(core.CaseOffer) error) (core.CaseOffer, error) {
	var resolved core.CaseOffer
	err := core.Retry(ctx, e.Retry, "offer", string(caseID), e.Metrics.CASRetry, func() error {
		o, err := e.Store.CurrentOffer(ctx, caseID)
		if err != nil {
			return err
		}
		if err := check(o); err != nil {
			return err
		}
		now := e.Clock.Now()
		o.State = state
		o.ResolvedAt = &now
		resolved, err = e.Store.CompareAndSwapOffer(ctx, o)
		return err
	})
	if err != nil {
		return core.CaseOffer{}, err
	}
	e.Metrics.OfferResolved(string(state))
	return resolved, nil
}

// expectLive fails unless o is still Offered (to providerID, when given).
func expectLive(o core.CaseOffer, providerID core.ProviderID) error {
	if o.State != core.OfferOffered {
		return fmt.Errorf("%w: offer for case %s is %s", core.ErrOfferMismatch, o.CaseID, o.State)
	}
	if providerID != "" && o.ProviderID != providerID {
		return fmt.Errorf("%w: case %s is offered to %s, not %s", core.ErrOfferMismatch, o.CaseID, o.ProviderID, providerID)
	}
	return nil
}
