package assignment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/assignment"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/core/store"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/membership"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flakyDeclines fails the first failures refusal charges, then delegates.
type flakyDeclines struct {
	*decline.Tracker
	failures int32
}

var errChargeFailed = errors.New("charge failed")

func (d *flakyDeclines) fail() bool {
	return atomic.AddInt32(&d.failures, -1) >= 0
}

func (d *flakyDeclines) RecordDecline(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs decline.CaseAttributes) (decline.Outcome, error) {
	if d.fail() {
		return decline.Outcome{}, errChargeFailed
	}
	return d.Tracker.RecordDecline(ctx, providerID, caseID, attrs)
}

func (d *flakyDeclines) RecordTimeout(ctx context.Context, providerID core.ProviderID, caseID core.CaseID, attrs decline.CaseAttributes) (decline.Outcome, error) {
	if d.fail() {
		return decline.Outcome{}, errChargeFailed
	}
	return d.Tracker.RecordTimeout(ctx, providerID, caseID, attrs)
}

// stuckProfiles loses every profile swap while stuck is set.
type stuckProfiles struct {
	*store.Memory
	stuck atomic.Bool
}

func (s *stuckProfiles) CompareAndSwapProfile(ctx context.Context, next core.ProviderProfile) (core.ProviderProfile, error) {
	if s.stuck.Load() {
		return core.ProviderProfile{}, core.ErrVersionMismatch
	}
	return s.Memory.CompareAndSwapProfile(ctx, next)
}

// =============================================================================
// REFUSALS
// =============================================================================

func TestDecline_RetryAfterFailedPenaltyResumes(t *testing.T) {
	// GIVEN: A case offered to lawyer-a and a penalty step that fails once
	// WHEN: lawyer-a declines, gets the error, and declines again
	// THEN: The second call charges the penalty exactly once, releases the
	//       reservation and offers the case to lawyer-b

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")
	f.engine.Declines = &flakyDeclines{Tracker: f.tracker, failures: 1}

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)

	_, err = f.engine.Decline(ctx, "case-1", "lawyer-a")
	require.ErrorIs(t, err, errChargeFailed)

	a := f.profile(t, "lawyer-a")
	assert.Equal(t, int64(0), a.LevelPoints)
	assert.Equal(t, 1, a.CasesOn(core.DayKey(f.clock.Now())), "reservation held until the penalty lands")

	next, err := f.engine.Decline(ctx, "case-1", "lawyer-a")
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-b"), next.ProviderID())

	a = f.profile(t, "lawyer-a")
	assert.Equal(t, int64(-30), a.LevelPoints)
	assert.Equal(t, 0, a.CasesOn(core.DayKey(f.clock.Now())))

	recent, err := f.tracker.RecentDeclines(ctx, "lawyer-a")
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	_, err = f.engine.Decline(ctx, "case-1", "lawyer-a")
	assert.ErrorIs(t, err, core.ErrOfferMismatch, "a completed refusal is not resumed")
}

func TestTimeout_RetryAfterFailedPenaltyResumes(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")
	f.engine.Declines = &flakyDeclines{Tracker: f.tracker, failures: 1}

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)

	_, err = f.engine.Timeout(ctx, "case-1")
	require.ErrorIs(t, err, errChargeFailed)

	next, err := f.engine.Timeout(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-b"), next.ProviderID())

	recent, err := f.tracker.RecentDeclines(ctx, "lawyer-a")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].TimedOut)
}

// =============================================================================
// CASE RECORD
// =============================================================================

func TestAssignCase_ConcurrentSameCaseStoresWinner(t *testing.T) {
	// GIVEN: Concurrent assignments of one case, each with a different amount
	// WHEN: Exactly one wins the offer slot
	// THEN: The stored case record is the winner's

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierEnterprise, "family")

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner *core.CaseOffer
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			d, err := f.engine.AssignCase(ctx, familyCase("case-1", amount), nil)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			winner = d.Offer
		}(int64(100 + i))
	}
	wg.Wait()

	require.NotNil(t, winner)
	c, err := f.store.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(winner.Amount), "stored %s, offered %s", c.Amount, winner.Amount)
}

func TestAssignCase_UnassignedCaseNotStored(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()

	d, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)
	assert.False(t, d.Assigned())

	_, err = f.store.GetCase(ctx, "case-1")
	assert.Error(t, err)
}

// =============================================================================
// ACCEPT
// =============================================================================

func TestAccept_LoadUpdateFailureKeepsAcceptance(t *testing.T) {
	// GIVEN: A live offer and a profile row that keeps losing its swap
	// WHEN: The provider accepts
	// THEN: The acceptance stands and the missed load update is logged at error

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")

	obs, logs := observer.New(zapcore.ErrorLevel)
	profiles := &stuckProfiles{Memory: f.store}
	engine := assignment.NewEngine(profiles, f.registry, f.tracker, f.ledger, f.clock, zap.New(obs))
	engine.Retry = core.RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Microsecond}

	_, err := engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)

	profiles.stuck.Store(true)
	offer, err := engine.Accept(ctx, "case-1", "lawyer-a")
	require.NoError(t, err)
	assert.Equal(t, core.OfferAccepted, offer.State)

	current, err := engine.CurrentOffer(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, core.OfferAccepted, current.State)
	assert.Equal(t, 0, f.profile(t, "lawyer-a").ActiveCaseCount)

	entries := logs.FilterMessage("offer accepted but active case count not incremented").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "case-1", fields["case_id"])
	assert.Equal(t, "lawyer-a", fields["provider_id"])
}
