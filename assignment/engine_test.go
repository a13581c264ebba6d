package assignment_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/assignment"
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

type notification struct {
	recipient string
	event     core.EventType
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(_ context.Context, recipient string, event core.EventType, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{recipient: recipient, event: event})
	return nil
}

func (n *recordingNotifier) Has(recipient string, event core.EventType) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s.recipient == recipient && s.event == event {
			return true
		}
	}
	return false
}

type engineFixture struct {
	engine   *assignment.Engine
	ledger   *reputation.Ledger
	tracker  *decline.Tracker
	registry *membership.Registry
	store    *store.Memory
	clock    *core.ManualClock
	notifier *recordingNotifier
}

func newTestEngine(t *testing.T) engineFixture {
	t.Helper()
	mem := store.NewMemory()
	clock := core.NewManualClock(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	retry := core.RetryPolicy{MaxAttempts: 1000, BaseBackoff: time.Microsecond, MaxBackoff: time.Millisecond}

	registry, err := membership.NewRegistry(mem, clock, log, membership.DefaultCatalog())
	require.NoError(t, err)

	ledger := reputation.NewLedger(mem, registry, clock, log)
	ledger.Retry = retry
	tracker := decline.NewTracker(mem, ledger, decline.DefaultPolicy(), clock, log)
	tracker.Retry = retry

	notifier := &recordingNotifier{}
	engine := assignment.NewEngine(mem, registry, tracker, ledger, clock, log)
	engine.Notifier = notifier
	engine.Retry = retry

	return engineFixture{
		engine: engine, ledger: ledger, tracker: tracker, registry: registry,
		store: mem, clock: clock, notifier: notifier,
	}
}

func (f engineFixture) provider(t *testing.T, id string, tier core.TierName, specialties ...string) {
	t.Helper()
	_, err := f.ledger.RegisterProvider(context.Background(), core.ProviderProfile{
		ID: core.ProviderID(id), Tier: tier, Specialties: specialties,
	})
	require.NoError(t, err)
}

func (f engineFixture) profile(t *testing.T, id string) core.ProviderProfile {
	t.Helper()
	p, err := f.store.GetProfile(context.Background(), core.ProviderID(id))
	require.NoError(t, err)
	return p
}

func familyCase(id string, amount int64) core.Case {
	return core.Case{
		ID:        core.CaseID(id),
		ClientID:  "client-1",
		Specialty: "family",
		Amount:    decimal.NewFromInt(amount),
	}
}

func excludedReason(d assignment.Decision, id core.ProviderID) assignment.ExclusionReason {
	for _, ex := range d.Excluded {
		if ex.ProviderID == id {
			return ex.Reason
		}
	}
	return ""
}

// =============================================================================
// RANKING
// =============================================================================

func TestAssignCase_PicksBestMatch(t *testing.T) {
	// GIVEN: Two free providers, only one practices family law
	// WHEN: A family case is assigned
	// THEN: The specialist is offered the case

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "tax")
	f.provider(t, "lawyer-b", membership.TierFree, "family")

	d, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)
	require.True(t, d.Assigned())
	assert.Equal(t, core.ProviderID("lawyer-b"), d.ProviderID())
	assert.Equal(t, core.OfferOffered, d.Offer.State)
	require.Len(t, d.Ranked, 2)
	assert.Equal(t, core.ProviderID("lawyer-a"), d.Ranked[1].Provider.ID)
	assert.True(t, f.notifier.Has("lawyer-b", core.EventCaseOffered))

	current, err := f.engine.CurrentOffer(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, d.Offer.ID, current.ID)
}

func TestAssignCase_LevelBreaksEqualFit(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")
	for i := 0; i < 3; i++ {
		_, err := f.ledger.RecordAction(ctx, "lawyer-b", reputation.ActionReview5Star, reputation.ActionContext{})
		require.NoError(t, err)
	}

	d, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-b"), d.ProviderID())
	assert.Equal(t, 110, d.Ranked[0].Score.Total())
	assert.Equal(t, 105, d.Ranked[1].Score.Total())
}

func TestAssignCase_TieBreakByProviderID(t *testing.T) {
	f := newTestEngine(t)
	f.provider(t, "lawyer-z", membership.TierFree, "family")
	f.provider(t, "lawyer-m", membership.TierFree, "family")

	d, err := f.engine.AssignCase(context.Background(), familyCase("case-1", 1_000), nil)
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-m"), d.ProviderID())
}

func TestAssignCase_CandidatePoolRestrictsProviders(t *testing.T) {
	f := newTestEngine(t)
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")

	d, err := f.engine.AssignCase(context.Background(), familyCase("case-1", 1_000), []core.ProviderID{"lawyer-b", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-b"), d.ProviderID())
	assert.Len(t, d.Ranked, 1)
}

// =============================================================================
// FILTERS
// =============================================================================

func TestAssignCase_ExcludesSuspendedProvider(t *testing.T) {
	// GIVEN: A provider who declined 5 cases this week
	// WHEN: A case is assigned within the next 24h
	// THEN: The provider is excluded; after the suspension passes it is eligible again

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierEnterprise, "family")

	for i := 0; i < 5; i++ {
		_, err := f.tracker.RecordDecline(ctx, "lawyer-a", core.CaseID(fmt.Sprintf("old-%d", i)), decline.CaseAttributes{Amount: decimal.NewFromInt(100)})
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	d, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)
	assert.False(t, d.Assigned())
	assert.ErrorIs(t, d.Err(), core.ErrNoEligibleLawyer)
	assert.Equal(t, assignment.ExcludedSuspended, excludedReason(d, "lawyer-a"))
	assert.True(t, f.notifier.Has("client-1", core.EventNoEligibleLawyer))

	f.clock.Advance(24 * time.Hour)
	d, err = f.engine.AssignCase(ctx, familyCase("case-2", 1_000), nil)
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-a"), d.ProviderID())
}

func TestAssignCase_DailyCapReservedAtOffer(t *testing.T) {
	// GIVEN: A free provider (3 cases per day)
	// WHEN: Four cases are assigned the same day
	// THEN: The first three are offered, the fourth finds nobody; the next day the cap resets

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")

	for i := 0; i < 3; i++ {
		d, err := f.engine.AssignCase(ctx, familyCase(fmt.Sprintf("case-%d", i), 100), nil)
		require.NoError(t, err)
		require.True(t, d.Assigned(), "case %d", i)
	}

	d, err := f.engine.AssignCase(ctx, familyCase("case-3", 100), nil)
	require.NoError(t, err)
	assert.False(t, d.Assigned())
	assert.Equal(t, assignment.ExcludedDailyCap, excludedReason(d, "lawyer-a"))

	f.clock.Advance(24 * time.Hour)
	d, err = f.engine.AssignCase(ctx, familyCase("case-4", 100), nil)
	require.NoError(t, err)
	assert.True(t, d.Assigned())
}

func TestAssignCase_MonthlyAmountCap(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")

	d, err := f.engine.AssignCase(ctx, familyCase("case-1", 4_000), nil)
	require.NoError(t, err)
	require.True(t, d.Assigned())

	d, err = f.engine.AssignCase(ctx, familyCase("case-2", 1_001), nil)
	require.NoError(t, err)
	assert.False(t, d.Assigned())
	assert.Equal(t, assignment.ExcludedMonthlyCap, excludedReason(d, "lawyer-a"))

	d, err = f.engine.AssignCase(ctx, familyCase("case-3", 1_000), nil)
	require.NoError(t, err)
	assert.True(t, d.Assigned(), "exactly reaching the cap is allowed")
}

func TestAssignCase_EnterpriseEligibility(t *testing.T) {
	f := newTestEngine(t)
	f.provider(t, "lawyer-basic", membership.TierBasic, "family")
	f.provider(t, "lawyer-pro", membership.TierProfessional, "family")

	c := familyCase("case-1", 1_000)
	c.Enterprise = true
	d, err := f.engine.AssignCase(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-pro"), d.ProviderID())
	assert.Equal(t, assignment.ExcludedEnterpriseLimit, excludedReason(d, "lawyer-basic"))
}

func TestAssignCase_NeverOffersSuspendedOrOverCap(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")
	f.provider(t, "lawyer-c", membership.TierBasic, "family")

	p := f.profile(t, "lawyer-b")
	until := f.clock.Now().Add(time.Hour)
	p.SuspendedUntil = &until
	_, err := f.store.CompareAndSwapProfile(ctx, p)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		d, err := f.engine.AssignCase(ctx, familyCase(fmt.Sprintf("case-%d", i), 500), nil)
		require.NoError(t, err)
		if !d.Assigned() {
			continue
		}
		assert.NotEqual(t, core.ProviderID("lawyer-b"), d.ProviderID())
	}

	now := f.clock.Now()
	for _, id := range []string{"lawyer-a", "lawyer-c"} {
		p := f.profile(t, id)
		limits, err := f.registry.Lookup(p.Tier)
		require.NoError(t, err)
		assert.LessOrEqual(t, p.CasesOn(core.DayKey(now)), limits.DailyCaseLimit)
		assert.False(t, p.AmountIn(core.MonthKey(now)).GreaterThan(limits.MonthlyAmountLimit))
	}
	assert.Equal(t, 3, f.profile(t, "lawyer-a").CasesOn(core.DayKey(now)))
	assert.Equal(t, 10, f.profile(t, "lawyer-c").CasesOn(core.DayKey(now)))
}

// =============================================================================
// OFFER STATE MACHINE
// =============================================================================

func TestAssignCase_AtMostOneActiveOffer(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 100), nil)
	require.NoError(t, err)

	_, err = f.engine.AssignCase(ctx, familyCase("case-1", 100), nil)
	assert.ErrorIs(t, err, core.ErrActiveOffer)
}

func TestDecline_ReassignsToNextCandidate(t *testing.T) {
	// GIVEN: A case offered to lawyer-a
	// WHEN: lawyer-a declines
	// THEN: lawyer-a is penalized, its reservation is released, and lawyer-b gets the offer

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")

	first, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)
	require.Equal(t, core.ProviderID("lawyer-a"), first.ProviderID())
	assert.Equal(t, 1, f.profile(t, "lawyer-a").CasesOn(core.DayKey(f.clock.Now())))

	next, err := f.engine.Decline(ctx, "case-1", "lawyer-a")
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-b"), next.ProviderID())
	assert.Equal(t, assignment.ExcludedAlreadyRefused, excludedReason(next, "lawyer-a"))

	a := f.profile(t, "lawyer-a")
	assert.Equal(t, int64(-30), a.LevelPoints)
	assert.Equal(t, 0, a.CasesOn(core.DayKey(f.clock.Now())))
	assert.True(t, a.AmountIn(core.MonthKey(f.clock.Now())).IsZero())

	history, err := f.engine.OfferHistory(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.OfferDeclined, history[0].State)
	assert.Equal(t, core.OfferOffered, history[1].State)
}

func TestDecline_LastCandidateLeavesCaseUnassigned(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)

	next, err := f.engine.Decline(ctx, "case-1", "lawyer-a")
	require.NoError(t, err)
	assert.False(t, next.Assigned())
	assert.ErrorIs(t, next.Err(), core.ErrNoEligibleLawyer)
}

func TestDecline_WrongProviderRejected(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)

	_, err = f.engine.Decline(ctx, "case-1", "lawyer-b")
	assert.ErrorIs(t, err, core.ErrOfferMismatch)
}

func TestTimeout_PenalizesAndReassigns(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")
	f.provider(t, "lawyer-b", membership.TierFree, "family")

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)

	next, err := f.engine.Timeout(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, core.ProviderID("lawyer-b"), next.ProviderID())

	recent, err := f.tracker.RecentDeclines(ctx, "lawyer-a")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].TimedOut)
}

func TestSweepTimedOut_ExpiresOnlyStaleOffers(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierEnterprise, "family")
	f.provider(t, "lawyer-b", membership.TierEnterprise, "family")

	_, err := f.engine.AssignCase(ctx, familyCase("case-old", 1_000), nil)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = f.engine.AssignCase(ctx, familyCase("case-new", 1_000), nil)
	require.NoError(t, err)

	f.clock.Advance(40 * time.Minute)
	expired, err := f.engine.SweepTimedOut(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	history, err := f.engine.OfferHistory(ctx, "case-old")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.OfferTimedOut, history[0].State)
	assert.Equal(t, core.OfferOffered, history[1].State)

	current, err := f.engine.CurrentOffer(ctx, "case-new")
	require.NoError(t, err)
	assert.Equal(t, core.OfferOffered, current.State)
}

func TestAcceptAndComplete(t *testing.T) {
	// GIVEN: A case offered to lawyer-a
	// WHEN: lawyer-a accepts and later completes it successfully
	// THEN: Active load goes 0 -> 1 -> 0 and the ledger records +100

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)

	offer, err := f.engine.Accept(ctx, "case-1", "lawyer-a")
	require.NoError(t, err)
	assert.Equal(t, core.OfferAccepted, offer.State)
	assert.Equal(t, 1, f.profile(t, "lawyer-a").ActiveCaseCount)
	assert.True(t, f.notifier.Has("client-1", core.EventOfferAccepted))

	_, err = f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	assert.ErrorIs(t, err, core.ErrActiveOffer, "accepted case cannot be re-offered")

	tx, err := f.engine.Complete(ctx, "case-1", "lawyer-a", true)
	require.NoError(t, err)
	assert.Equal(t, int64(100), tx.FinalPoints)
	assert.Equal(t, core.CaseID("case-1"), tx.CaseID)

	a := f.profile(t, "lawyer-a")
	assert.Equal(t, 0, a.ActiveCaseCount)
	assert.Equal(t, int64(100), a.LevelPoints)

	_, err = f.engine.Complete(ctx, "case-1", "lawyer-a", true)
	assert.ErrorIs(t, err, core.ErrOfferMismatch)
}

func TestAccept_AfterDeclineRejected(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")

	_, err := f.engine.AssignCase(ctx, familyCase("case-1", 1_000), nil)
	require.NoError(t, err)
	_, err = f.engine.Decline(ctx, "case-1", "lawyer-a")
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, "case-1", "lawyer-a")
	assert.ErrorIs(t, err, core.ErrOfferMismatch)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAssignCase_ConcurrentCasesRespectDailyCap(t *testing.T) {
	// GIVEN: One free provider (3 cases per day)
	// WHEN: 12 different cases are assigned concurrently
	// THEN: Exactly 3 are offered and the daily counter reads 3

	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierFree, "family")

	const n = 12
	var wg sync.WaitGroup
	results := make(chan assignment.Decision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.engine.AssignCase(ctx, familyCase(fmt.Sprintf("case-%d", i), 100), nil)
			assert.NoError(t, err)
			results <- d
		}(i)
	}
	wg.Wait()
	close(results)

	offered := 0
	for d := range results {
		if d.Assigned() {
			offered++
		}
	}
	assert.Equal(t, 3, offered)
	assert.Equal(t, 3, f.profile(t, "lawyer-a").CasesOn(core.DayKey(f.clock.Now())))
}

func TestAssignCase_ConcurrentSameCaseSingleOffer(t *testing.T) {
	f := newTestEngine(t)
	ctx := context.Background()
	f.provider(t, "lawyer-a", membership.TierEnterprise, "family")
	f.provider(t, "lawyer-b", membership.TierEnterprise, "family")

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.AssignCase(ctx, familyCase("case-1", 100), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, core.ErrActiveOffer)
	}
	assert.Equal(t, 1, successes)

	history, err := f.engine.OfferHistory(ctx, "case-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	day := core.DayKey(f.clock.Now())
	total := f.profile(t, "lawyer-a").CasesOn(day) + f.profile(t, "lawyer-b").CasesOn(day)
	assert.Equal(t, 1, total, "losing reservations are released")
}
