/*
Package decline provides the DeclinePenaltyTracker: a rolling window of
refusals per provider that turns each refusal into a point penalty and, past
a threshold, a temporary suspension.

PURPOSE:
  A provider who refuses offered cases costs the platform time. Each refusal
  (explicit decline or an offer that timed out) is logged, priced by the pure
  Penalty function and fed to the reputation ledger as a case_declined
  transaction. Too many refusals in the window suspend the provider from
  assignment for a while.

ROLLING WINDOW:
  The window count is always recomputed from the append-only DeclineRecord
  log: count(records with Timestamp >= now - Window). There is no counter to
  drift or reset. Records older than the window simply stop counting.

FLOW (RecordDecline):
  1. Count the window BEFORE this decline     -> recentDeclines
  2. penalty = Penalty(amount, level, recentDeclines)
  3. ledger.RecordAction(case_declined, {Penalty: penalty}); its commit
     appends the DeclineRecord in the same atomic step (CommitDecline), so
     a refusal is either fully charged or not recorded at all
  4. Count the window AGAIN, including the new record
  5. If count >= SuspendAfter: SuspendedUntil = now + SuspensionDuration
     (CAS on the profile) and notify provider_suspended

SUSPENSION:
  Lifting is lazy. Nothing clears SuspendedUntil; assignment compares it with
  now on every evaluation (core.ProviderProfile.IsSuspended).

SEE ALSO:
  - penalty.go: The penalty formula
  - reputation/ledger.go: Applies the tier multiplier to the penalty
  - assignment/engine.go: Calls RecordDecline / RecordTimeout
*/
package decline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/metrics"
	"github.com/warp/engagement-engine/reputation"
	"go.uber.org/zap"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the tunable constants of the tracker.
type Policy struct {
	Window             time.Duration
	HighValueThreshold decimal.Decimal
	SuspendAfter       int
	SuspensionDuration time.Duration
}

// DefaultPolicy: 7-day window, surcharge above 10,000, 5 declines suspend
// for 24 hours.
func DefaultPolicy() Policy {
	return Policy{
		Window:             7 * 24 * time.Hour,
		HighValueThreshold: decimal.NewFromInt(10_000),
		SuspendAfter:       5,
		SuspensionDuration: 24 * time.Hour,
	}
}

// =============================================================================
// TRACKER
// =============================================================================

// Store is the persistence the tracker needs.
type Store interface {
	core.ProfileStore
	core.DeclineStore
}

// PointRecorder is the slice of the reputation ledger the tracker calls.
type PointRecorder interface {
	RecordAction(ctx context.Context, providerID core.ProviderID, action reputation.ActionType, actx reputation.ActionContext) (core.PointTransaction, error)
}

// CaseAttributes are the case facts the penalty depends on.
type CaseAttributes struct {
	Amount decimal.Decimal
}

// Outcome reports what one refusal cost.
type Outcome struct {
	Record         core.DeclineRecord
	Transaction    core.PointTransaction
	WindowCount    int
	Suspended      bool
	SuspendedUntil *time.Time
}

type Tracker struct {
	Store    Store
	Ledger   PointRecorder
	Policy   Policy
	Clock    core.Clock
	Log      *zap.Logger
	Notifier core.Notifier
	Metrics  *metrics.Metrics
	Retry    core.RetryPolicy
}

func NewTracker(store Store, ledger PointRecorder, policy Policy, clock core.Clock, log *zap.Logger) *Tracker {
	return &Tracker{
		Store:    store,
		Ledger:   ledger,
		Policy:   policy,
		Clock:    clock,
		Log:      log.Named("decline.tracker"),
		Notifier: core.NopNotifier{},
		Retry:    core.DefaultRetryPolicy,
	}
}

// RecordDecline records an explicit refusal of caseID by providerID.
func (t *Tracker) RecordDecline(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs CaseAttributes) (Outcome, error) {
	return t.record(ctx, providerID, caseID, attrs, false)
}

// RecordTimeout records an offer that expired unanswered. It is priced and
// counted exactly like a decline.
func (t *Tracker) RecordTimeout(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs CaseAttributes) (Outcome, error) {
	return t.record(ctx, providerID, caseID, attrs, true)
}

func (t *Tracker) record(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs CaseAttributes, timedOut bool) (Outcome, error) {
	profile, err := t.Store.GetProfile(ctx, providerID)
	if err != nil {
		return Outcome{}, err
	}

	now := t.Clock.Now()
	recent, err := t.windowCount(ctx, providerID, now)
	if err != nil {
		return Outcome{}, err
	}

	penalty := Penalty(PenaltyContext{
		CaseAmount:         attrs.Amount,
		HighValueThreshold: t.Policy.HighValueThreshold,
		Level:              profile.Level,
		RecentDeclines:     recent,
	})

	rec := core.DeclineRecord{
		ID:            uuid.NewString(),
		ProviderID:    providerID,
		CaseID:        caseID,
		PenaltyPoints: penalty,
		TimedOut:      timedOut,
		Timestamp:     now,
	}

	reason := "declined"
	if timedOut {
		reason = "offer timed out"
	}
	// The record is written by the ledger's commit, so a failed charge leaves
	// no record behind and the caller can retry.
	tx, err := t.Ledger.RecordAction(ctx, providerID, reputation.ActionCaseDeclined, reputation.ActionContext{
		Penalty: penalty,
		CaseID:  caseID,
		Reason:  reason,
		Commit: func(ctx context.Context, ptx core.PointTransaction, next core.ProviderProfile) (core.ProviderProfile, error) {
			return t.Store.CommitDecline(ctx, rec, ptx, next)
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	t.Metrics.DeclineRecorded(timedOut)

	count, err := t.windowCount(ctx, providerID, now)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Record: rec, Transaction: tx, WindowCount: count}
	t.Log.Info("decline recorded",
		zap.String("provider_id", string(providerID)),
		zap.String("case_id", string(caseID)),
		zap.Bool("timed_out", timedOut),
		zap.Int64("penalty", penalty),
		zap.Int("window_count", count))

	if count >= t.Policy.SuspendAfter {
		until, err := t.suspend(ctx, providerID, now)
		if err != nil {
			return Outcome{}, err
		}
		out.Suspended = true
		out.SuspendedUntil = &until
	}
	return out, nil
}

// suspend sets SuspendedUntil = now + SuspensionDuration unless the provider
// is already suspended past that instant.
func (t *Tracker) suspend(ctx context.Context, providerID core.ProviderID, now time.Time) (time.Time, error) {
	until := now.Add(t.Policy.SuspensionDuration)
	err := core.Retry(ctx, t.Retry, "provider", string(providerID), t.Metrics.CASRetry, func() error {
		p, err := t.Store.GetProfile(ctx, providerID)
		if err != nil {
			return err
		}
		if p.SuspendedUntil != nil && !p.SuspendedUntil.Before(until) {
			until = *p.SuspendedUntil
			return nil
		}
		p.SuspendedUntil = &until
		p.UpdatedAt = now
		_, err = t.Store.CompareAndSwapProfile(ctx, p)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}

	t.Metrics.Suspended()
	t.Log.Warn("provider suspended",
		zap.String("provider_id", string(providerID)),
		zap.Time("until", until))
	core.Notify(ctx, t.Notifier, t.Log, string(providerID), core.EventSuspended, map[string]any{
		"suspended_until": until.Format(time.RFC3339),
	})
	return until, nil
}

// RecentDeclines returns the provider's refusals inside the window, oldest
// first.
func (t *Tracker) RecentDeclines(ctx context.Context, providerID core.ProviderID) ([]core.DeclineRecord, error) {
	return t.Store.DeclinesSince(ctx, providerID, t.Clock.Now().Add(-t.Policy.Window))
}

// HasRefused reports whether a decline or timeout of caseID by providerID
// was recorded at or after since.
func (t *Tracker) HasRefused(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, since time.Time) (bool, error) {
	recs, err := t.Store.DeclinesSince(ctx, providerID, since)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.CaseID == caseID {
			return true, nil
		}
	}
	return false, nil
}

// IsSuspended reports whether the provider is currently suspended.
func (t *Tracker) IsSuspended(ctx context.Context, providerID core.ProviderID) (bool, error) {
	p, err := t.Store.GetProfile(ctx, providerID)
	if err != nil {
		return false, err
	}
	return p.IsSuspended(t.Clock.Now()), nil
}

func (t *Tracker) windowCount(ctx context.Context, providerID core.ProviderID, now time.Time) (int, error) {
	recs, err := t.Store.DeclinesSince(ctx, providerID, now.Add(-t.Policy.Window))
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}
