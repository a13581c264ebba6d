/*
Package reputation provides the ReputationLedger: append-only point
transactions and the per-provider standing derived from them.

PURPOSE:
  Providers earn and lose points for what they do (completing cases, being
  reviewed, declining offers). Points drive the provider's level (1-10),
  and level and points both feed the assignment engine's match score.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: PointTransaction rows are never updated or deleted
  2. SOURCE OF TRUTH: LevelPoints == sum(FinalPoints) for the provider.
     The only write path is CommitPoints, which appends the row and swaps
     the profile in one atomic step.
  3. SERIALIZED PER PROVIDER: the profile swap is a compare-and-swap on
     Version, so concurrent actions on one provider never lose an update,
     and unrelated providers never contend.
  4. PURE LEVELS: Level = LevelFor(LevelPoints). Negative actions may lower
     the level.

POINT CALCULATION:
  finalPoints = round(basePoints x tierMultiplier), half away from zero.
  The multiplier is read from the membership registry at the moment of the
  transaction and stored on the row, so later tier changes never rewrite
  history.

EXAMPLE FLOW:
  1. Free provider completes a case:      +100 x 1.0 = +100 (level 1)
  2. Upgrades to professional
  3. Receives a 5-star review:            +200 x 2.0 = +400 (level 2, 500 pts)
  4. Declines an offer (penalty 30):       -30 x 2.0 =  -60 (level 1, 440 pts)

SEE ALSO:
  - actions.go: The action table
  - levels.go: The level threshold table
  - decline/tracker.go: Computes the dynamic decline penalty
*/
package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/metrics"
	"go.uber.org/zap"
)

// Store is the persistence the ledger needs.
type Store interface {
	core.ProfileStore
	core.PointStore
}

// TierLookup resolves the terms of a tier. *membership.Registry implements it.
type TierLookup interface {
	Lookup(tier core.TierName) (membership.Limits, error)
}

// ActionContext carries per-call inputs. Penalty is required for
// ActionCaseDeclined and must be positive; it is applied as -Penalty.
type ActionContext struct {
	Penalty int64
	CaseID  core.CaseID
	Reason  string

	// Commit replaces Store.CommitPoints for this call. It must write tx and
	// next in one atomic step; callers use it to persist a companion row.
	Commit CommitFunc
}

// CommitFunc persists a point transaction together with the profile swap.
type CommitFunc func(ctx context.Context, tx core.PointTransaction, next core.ProviderProfile) (core.ProviderProfile, error)

// Standing is the public view of a provider (getProviderStanding).
type Standing struct {
	ProviderID     core.ProviderID
	Level          int
	LevelPoints    int64
	Tier           core.TierName
	SuspendedUntil *time.Time
	NextLevelAt    *int64
}

// AuditReport compares the stored aggregate with a replay of the log.
type AuditReport struct {
	ProviderID     core.ProviderID
	Transactions   int
	StoredPoints   int64
	ReplayedPoints int64
	StoredLevel    int
	ReplayedLevel  int
}

func (r AuditReport) Consistent() bool {
	return r.StoredPoints == r.ReplayedPoints && r.StoredLevel == r.ReplayedLevel
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store       Store
	Tiers       TierLookup
	Clock       core.Clock
	Log         *zap.Logger
	Notifier    core.Notifier
	Metrics     *metrics.Metrics
	Retry       core.RetryPolicy
	DefaultTier core.TierName
}

func NewLedger(store Store, tiers TierLookup, clock core.Clock, log *zap.Logger) *Ledger {
	return &Ledger{
		Store:       store,
		Tiers:       tiers,
		Clock:       clock,
		Log:         log.Named("reputation.ledger"),
		Notifier:    core.NopNotifier{},
		Retry:       core.DefaultRetryPolicy,
		DefaultTier: membership.TierFree,
	}
}

// RegisterProvider creates a profile at level 1 with zero points. Points and
// level in p are ignored: they only ever come from transactions.
func (l *Ledger) RegisterProvider(ctx context.Context, p core.ProviderProfile) (core.ProviderProfile, error) {
	if p.ID == "" {
		return core.ProviderProfile{}, fmt.Errorf("%w: provider id is required", core.ErrInvalidInput)
	}
	if p.Tier == "" {
		p.Tier = l.DefaultTier
	}
	if _, err := l.Tiers.Lookup(p.Tier); err != nil {
		return core.ProviderProfile{}, err
	}

	now := l.Clock.Now()
	p.Level = MinLevel
	p.LevelPoints = 0
	p.SuspendedUntil = nil
	p.ActiveCaseCount = 0
	p.DailyCases, p.DayKey = 0, ""
	p.MonthlyAmount, p.MonthKey = decimal.Zero, ""
	p.CreatedAt, p.UpdatedAt = now, now

	stored, err := l.Store.CreateProfile(ctx, p)
	if err != nil {
		return core.ProviderProfile{}, err
	}
	l.Log.Info("provider registered",
		zap.String("provider_id", string(p.ID)),
		zap.String("tier", string(p.Tier)))
	return stored, nil
}

// RecordAction appends a point transaction for the action and updates the
// provider's points and level. It returns the appended transaction.
func (l *Ledger) RecordAction(ctx context.Context, providerID core.ProviderID, action ActionType, actx ActionContext) (core.PointTransaction, error) {
	base, err := basePoints(action, actx)
	if err != nil {
		return core.PointTransaction{}, err
	}

	commit := CommitFunc(l.Store.CommitPoints)
	if actx.Commit != nil {
		commit = actx.Commit
	}

	var (
		tx              core.PointTransaction
		before, after   int
		committedPoints int64
	)
	err = core.Retry(ctx, l.Retry, "provider", string(providerID), l.Metrics.CASRetry, func() error {
		p, err := l.Store.GetProfile(ctx, providerID)
		if err != nil {
			return err
		}
		limits, err := l.Tiers.Lookup(p.Tier)
		if err != nil {
			return err
		}

		now := l.Clock.Now()
		final := FinalPoints(base, limits.Multiplier)
		tx = core.PointTransaction{
			ID:                core.TransactionID(uuid.NewString()),
			ProviderID:        providerID,
			Action:            action.String(),
			BasePoints:        base,
			MultiplierApplied: limits.Multiplier,
			FinalPoints:       final,
			CaseID:            actx.CaseID,
			Reason:            actx.Reason,
			Timestamp:         now,
		}

		before = p.Level
		p.LevelPoints += final
		p.Level = LevelFor(p.LevelPoints)
		p.UpdatedAt = now
		after = p.Level
		committedPoints = p.LevelPoints

		_, err = commit(ctx, tx, p)
		return err
	})
	if err != nil {
		return core.PointTransaction{}, err
	}

	l.Metrics.PointsRecorded(tx.Action, tx.FinalPoints)
	l.Log.Debug("points recorded",
		zap.String("provider_id", string(providerID)),
		zap.String("action", tx.Action),
		zap.Int64("base", tx.BasePoints),
		zap.String("multiplier", tx.MultiplierApplied.String()),
		zap.Int64("final", tx.FinalPoints),
		zap.Int64("level_points", committedPoints))

	if before != after {
		l.levelChanged(ctx, providerID, before, after, committedPoints)
	}
	return tx, nil
}

func (l *Ledger) levelChanged(ctx context.Context, providerID core.ProviderID, from, to int, points int64) {
	event := core.EventLevelUp
	if to < from {
		event = core.EventLevelDown
	}
	l.Metrics.LevelChanged(from, to)
	l.Log.Info("provider level changed",
		zap.String("provider_id", string(providerID)),
		zap.Int("from", from),
		zap.Int("to", to))
	core.Notify(ctx, l.Notifier, l.Log, string(providerID), event, map[string]any{
		"from":         from,
		"to":           to,
		"level_points": points,
	})
}

// Standing returns the provider's current level, points, tier and suspension.
func (l *Ledger) Standing(ctx context.Context, providerID core.ProviderID) (Standing, error) {
	p, err := l.Store.GetProfile(ctx, providerID)
	if err != nil {
		return Standing{}, err
	}
	s := Standing{
		ProviderID:  p.ID,
		Level:       p.Level,
		LevelPoints: p.LevelPoints,
		Tier:        p.Tier,
	}
	if p.IsSuspended(l.Clock.Now()) {
		s.SuspendedUntil = p.SuspendedUntil
	}
	if p.Level < MaxLevel {
		next := Threshold(p.Level + 1)
		s.NextLevelAt = &next
	}
	return s, nil
}

// History returns the provider's point transactions, oldest first.
func (l *Ledger) History(ctx context.Context, providerID core.ProviderID) ([]core.PointTransaction, error) {
	if _, err := l.Store.GetProfile(ctx, providerID); err != nil {
		return nil, err
	}
	return l.Store.PointTransactions(ctx, providerID)
}

// Audit replays the provider's ledger and compares it with the profile.
func (l *Ledger) Audit(ctx context.Context, providerID core.ProviderID) (AuditReport, error) {
	p, err := l.Store.GetProfile(ctx, providerID)
	if err != nil {
		return AuditReport{}, err
	}
	txs, err := l.Store.PointTransactions(ctx, providerID)
	if err != nil {
		return AuditReport{}, err
	}

	var sum int64
	for _, tx := range txs {
		sum += tx.FinalPoints
	}
	report := AuditReport{
		ProviderID:     providerID,
		Transactions:   len(txs),
		StoredPoints:   p.LevelPoints,
		ReplayedPoints: sum,
		StoredLevel:    p.Level,
		ReplayedLevel:  LevelFor(sum),
	}
	if !report.Consistent() {
		l.Log.Error("ledger drift detected",
			zap.String("provider_id", string(providerID)),
			zap.Int64("stored", report.StoredPoints),
			zap.Int64("replayed", report.ReplayedPoints))
	}
	return report, nil
}

// =============================================================================
// POINT CALCULATION
// =============================================================================

// FinalPoints computes round(base x multiplier), rounding half away from zero.
func FinalPoints(base int64, multiplier decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(multiplier).Round(0).IntPart()
}

func basePoints(action ActionType, actx ActionContext) (int64, error) {
	if !action.Valid() {
		return 0, fmt.Errorf("%w: unknown action %d", core.ErrInvalidInput, int(action))
	}
	spec := action.Spec()
	if !spec.Dynamic {
		return spec.BasePoints, nil
	}
	if actx.Penalty <= 0 {
		return 0, fmt.Errorf("%w: %s requires a positive penalty", core.ErrInvalidInput, spec.Name)
	}
	return -actx.Penalty, nil
}
