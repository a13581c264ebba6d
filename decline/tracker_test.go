package decline_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/core/store"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/reputation"
	"go.uber.org/zap"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type trackerFixture struct {
	tracker *decline.Tracker
	ledger  *reputation.Ledger
	store   *store.Memory
	clock   *core.ManualClock
}

func newTestTracker(t *testing.T) trackerFixture {
	t.Helper()
	mem := store.NewMemory()
	clock := core.NewManualClock(time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC))
	registry, err := membership.NewRegistry(mem, clock, zap.NewNop(), membership.DefaultCatalog())
	require.NoError(t, err)

	ledger := reputation.NewLedger(mem, registry, clock, zap.NewNop())
	tracker := decline.NewTracker(mem, ledger, decline.DefaultPolicy(), clock, zap.NewNop())

	_, err = ledger.RegisterProvider(context.Background(), core.ProviderProfile{ID: "lawyer-1", Tier: membership.TierFree})
	require.NoError(t, err)

	return trackerFixture{tracker: tracker, ledger: ledger, store: mem, clock: clock}
}

func smallCase() decline.CaseAttributes {
	return decline.CaseAttributes{Amount: decimal.NewFromInt(800)}
}

// =============================================================================
// PENALTY FLOW
// =============================================================================

func TestRecordDecline_FirstDecline(t *testing.T) {
	// GIVEN: A free provider with no declines
	// WHEN: They decline a small case
	// THEN: Penalty 30, one record, -30 points, not suspended

	f := newTestTracker(t)
	ctx := context.Background()

	out, err := f.tracker.RecordDecline(ctx, "lawyer-1", "case-1", smallCase())
	require.NoError(t, err)

	assert.Equal(t, int64(30), out.Record.PenaltyPoints)
	assert.False(t, out.Record.TimedOut)
	assert.Equal(t, int64(-30), out.Transaction.FinalPoints)
	assert.Equal(t, "case_declined", out.Transaction.Action)
	assert.Equal(t, 1, out.WindowCount)
	assert.False(t, out.Suspended)

	standing, err := f.ledger.Standing(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-30), standing.LevelPoints)
}

func TestRecordDecline_RepeatSurchargeCountsPriorDeclines(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	var penalties []int64
	for i := 0; i < 3; i++ {
		out, err := f.tracker.RecordDecline(ctx, "lawyer-1", core.CaseID("case-"+string(rune('a'+i))), smallCase())
		require.NoError(t, err)
		penalties = append(penalties, out.Record.PenaltyPoints)
		f.clock.Advance(time.Hour)
	}
	assert.Equal(t, []int64{30, 40, 50}, penalties)
}

func TestRecordDecline_HighValueCase(t *testing.T) {
	f := newTestTracker(t)

	out, err := f.tracker.RecordDecline(context.Background(), "lawyer-1", "case-1", decline.CaseAttributes{Amount: decimal.NewFromInt(25_000)})
	require.NoError(t, err)
	assert.Equal(t, int64(50), out.Record.PenaltyPoints)
}

func TestRecordTimeout_CountsAsDecline(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	out, err := f.tracker.RecordTimeout(ctx, "lawyer-1", "case-1", smallCase())
	require.NoError(t, err)
	assert.True(t, out.Record.TimedOut)
	assert.Equal(t, "offer timed out", out.Transaction.Reason)

	recent, err := f.tracker.RecentDeclines(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRecordDecline_UnknownProvider(t *testing.T) {
	f := newTestTracker(t)

	_, err := f.tracker.RecordDecline(context.Background(), "ghost", "case-1", smallCase())
	assert.ErrorIs(t, err, core.ErrProviderNotFound)
}

// =============================================================================
// ROLLING WINDOW
// =============================================================================

func TestWindow_ExcludesRecordsOlderThanSevenDays(t *testing.T) {
	// GIVEN: One decline at T0
	// WHEN: Evaluated at T0 + 7d (boundary) and T0 + 7d + 1ns
	// THEN: It counts at the boundary and is gone just after

	f := newTestTracker(t)
	ctx := context.Background()

	_, err := f.tracker.RecordDecline(ctx, "lawyer-1", "case-1", smallCase())
	require.NoError(t, err)

	f.clock.Advance(7 * 24 * time.Hour)
	recent, err := f.tracker.RecentDeclines(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.Len(t, recent, 1, "record exactly 7 days old is still inside the window")

	f.clock.Advance(time.Nanosecond)
	recent, err = f.tracker.RecentDeclines(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.Empty(t, recent)

	out, err := f.tracker.RecordDecline(ctx, "lawyer-1", "case-2", smallCase())
	require.NoError(t, err)
	assert.Equal(t, int64(30), out.Record.PenaltyPoints, "expired decline adds no repeat surcharge")
	assert.Equal(t, 1, out.WindowCount)
}

func TestWindow_CustomPolicy(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()
	f.tracker.Policy.Window = time.Hour

	_, err := f.tracker.RecordDecline(ctx, "lawyer-1", "case-1", smallCase())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	out, err := f.tracker.RecordDecline(ctx, "lawyer-1", "case-2", smallCase())
	require.NoError(t, err)
	assert.Equal(t, 1, out.WindowCount)
}

// =============================================================================
// SUSPENSION
// =============================================================================

func TestSuspension_FifthDeclineInWindow(t *testing.T) {
	// GIVEN: A provider with 4 declines over the last days
	// WHEN: The 5th decline inside the 7-day window arrives
	// THEN: SuspendedUntil = now + 24h; the suspension lifts lazily afterwards

	f := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		out, err := f.tracker.RecordDecline(ctx, "lawyer-1", core.CaseID("case-"+string(rune('a'+i))), smallCase())
		require.NoError(t, err)
		assert.False(t, out.Suspended, "decline %d must not suspend", i+1)
		f.clock.Advance(24 * time.Hour)
	}

	now := f.clock.Now()
	out, err := f.tracker.RecordDecline(ctx, "lawyer-1", "case-e", smallCase())
	require.NoError(t, err)
	assert.Equal(t, 5, out.WindowCount)
	assert.Equal(t, int64(70), out.Record.PenaltyPoints)
	require.True(t, out.Suspended)
	assert.True(t, out.SuspendedUntil.Equal(now.Add(24*time.Hour)))

	suspended, err := f.tracker.IsSuspended(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.True(t, suspended)

	f.clock.Advance(24*time.Hour + time.Second)
	suspended, err = f.tracker.IsSuspended(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.False(t, suspended)
}

func TestSuspension_NotTriggeredWhenDeclinesSpreadOut(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		out, err := f.tracker.RecordDecline(ctx, "lawyer-1", core.CaseID("case-"+string(rune('a'+i))), smallCase())
		require.NoError(t, err)
		assert.False(t, out.Suspended)
		f.clock.Advance(2 * 24 * time.Hour)
	}
}

func TestSuspension_TotalPenaltyMatchesLedger(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	var total int64
	for i := 0; i < 5; i++ {
		out, err := f.tracker.RecordDecline(ctx, "lawyer-1", core.CaseID("case-"+string(rune('a'+i))), smallCase())
		require.NoError(t, err)
		total += out.Transaction.FinalPoints
	}
	assert.Equal(t, int64(-(30 + 40 + 50 + 60 + 70)), total)

	report, err := f.ledger.Audit(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, total, report.StoredPoints)
}

// =============================================================================
// FAILED CHARGES
// =============================================================================

type failingLedger struct {
	err   error
	calls int
}

func (l *failingLedger) RecordAction(context.Context, core.ProviderID, reputation.ActionType, reputation.ActionContext) (core.PointTransaction, error) {
	l.calls++
	return core.PointTransaction{}, l.err
}

// conflictingStore loses every decline commit.
type conflictingStore struct {
	*store.Memory
}

func (conflictingStore) CommitDecline(context.Context, core.DeclineRecord, core.PointTransaction, core.ProviderProfile) (core.ProviderProfile, error) {
	return core.ProviderProfile{}, core.ErrVersionMismatch
}

func TestRecordDecline_FailedChargeLeavesNoRecord(t *testing.T) {
	// GIVEN: A ledger that fails every charge
	// WHEN: The provider declines five times
	// THEN: Every call errors, no record is kept and the provider is not suspended;
	//       the next successful decline is priced as the first one

	f := newTestTracker(t)
	ctx := context.Background()
	ledger := &failingLedger{err: &core.ConflictError{Entity: "provider", ID: "lawyer-1", Attempts: 5}}
	broken := decline.NewTracker(f.store, ledger, decline.DefaultPolicy(), f.clock, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := broken.RecordDecline(ctx, "lawyer-1", core.CaseID("case-"+string(rune('a'+i))), smallCase())
		assert.ErrorIs(t, err, core.ErrConcurrentUpdateConflict)
	}
	assert.Equal(t, 5, ledger.calls)

	recent, err := f.tracker.RecentDeclines(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.Empty(t, recent)

	suspended, err := f.tracker.IsSuspended(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.False(t, suspended)

	out, err := f.tracker.RecordDecline(ctx, "lawyer-1", "case-f", smallCase())
	require.NoError(t, err)
	assert.Equal(t, int64(30), out.Record.PenaltyPoints)
	assert.Equal(t, 1, out.WindowCount)
	assert.False(t, out.Suspended)
}

func TestRecordDecline_LostCommitWritesNeitherRow(t *testing.T) {
	// GIVEN: A store that loses every decline commit
	// WHEN: A decline is recorded
	// THEN: Retries run out and neither the record nor the point transaction exists

	f := newTestTracker(t)
	ctx := context.Background()
	f.ledger.Retry = core.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Microsecond}
	tracker := decline.NewTracker(conflictingStore{f.store}, f.ledger, decline.DefaultPolicy(), f.clock, zap.NewNop())

	_, err := tracker.RecordDecline(ctx, "lawyer-1", "case-1", smallCase())
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)

	recent, err := f.tracker.RecentDeclines(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.Empty(t, recent)

	txs, err := f.ledger.History(ctx, "lawyer-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestHasRefused(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()
	start := f.clock.Now()

	_, err := f.tracker.RecordTimeout(ctx, "lawyer-1", "case-1", smallCase())
	require.NoError(t, err)

	refused, err := f.tracker.HasRefused(ctx, "lawyer-1", "case-1", start)
	require.NoError(t, err)
	assert.True(t, refused)

	refused, err = f.tracker.HasRefused(ctx, "lawyer-1", "case-2", start)
	require.NoError(t, err)
	assert.False(t, refused)

	refused, err = f.tracker.HasRefused(ctx, "lawyer-1", "case-1", start.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, refused, "records before since are ignored")
}
