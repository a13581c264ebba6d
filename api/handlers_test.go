/*
handlers_test.go - HTTP tests for the API surface

Tests drive the real router over a :memory: SQLite store, so every request
exercises routing, JSON, the domain packages and persistence together.
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/assignment"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/credits"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/metrics"
	"github.com/warp/engagement-engine/reputation"
	"github.com/warp/engagement-engine/store/sqlite"
	"go.uber.org/zap"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type apiFixture struct {
	handler *Handler
	router  http.Handler
	clock   *core.ManualClock
}

func newTestAPI(t *testing.T) apiFixture {
	t.Helper()

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := core.NewManualClock(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	m := metrics.New()
	retry := core.RetryPolicy{MaxAttempts: 1000, BaseBackoff: time.Microsecond, MaxBackoff: time.Millisecond}

	registry, err := membership.NewRegistry(st, clock, log, membership.DefaultCatalog())
	require.NoError(t, err)

	ledger := reputation.NewLedger(st, registry, clock, log)
	ledger.Retry, ledger.Metrics = retry, m
	tracker := decline.NewTracker(st, ledger, decline.DefaultPolicy(), clock, log)
	tracker.Retry, tracker.Metrics = retry, m
	engine := assignment.NewEngine(st, registry, tracker, ledger, clock, log)
	engine.Retry, engine.Metrics = retry, m
	throttle := credits.NewStoreThrottle(st, clock, log, credits.DefaultWeeklyQuota)
	throttle.Retry, throttle.Metrics = retry, m

	h := &Handler{
		Profiles: st,
		Registry: registry,
		Ledger:   ledger,
		Declines: tracker,
		Engine:   engine,
		Credits:  throttle,
		Clock:    clock,
		Log:      log,
		OfferTTL: 48 * time.Hour,
		Pinger:   st,
	}
	return apiFixture{
		handler: h,
		router:  NewRouter(h, RouterOptions{Metrics: m.Handler()}),
		clock:   clock,
	}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f apiFixture) register(t *testing.T, id, tier string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/providers", RegisterProviderRequest{
		ID: id, Name: id, Tier: tier, Specialties: []string{"family"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// PROVIDERS
// =============================================================================

func TestRegisterProvider_StartsAtLevelOne(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "professional")

	rec := f.do(t, http.MethodGet, "/api/providers/p1/standing", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	standing := decodeBody[StandingDTO](t, rec)
	assert.Equal(t, 1, standing.Level)
	assert.Equal(t, int64(0), standing.LevelPoints)
	assert.Equal(t, "professional", standing.Tier)
	require.NotNil(t, standing.NextLevelAt)
	assert.Equal(t, int64(500), *standing.NextLevelAt)
	assert.Nil(t, standing.SuspendedUntil)

	list := decodeBody[[]ProviderDTO](t, f.do(t, http.MethodGet, "/api/providers", nil))
	require.Len(t, list, 1)
	assert.Equal(t, []string{"family"}, list[0].Specialties)
}

func TestRegisterProvider_Errors(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")

	rec := f.do(t, http.MethodPost, "/api/providers", RegisterProviderRequest{ID: "p1", Tier: "free"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/providers", RegisterProviderRequest{ID: "p2", Tier: "platinum"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/providers", RegisterProviderRequest{ID: "p3", MinAmount: "lots"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/providers/ghost/standing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordAction_ProfessionalFiveStarReview(t *testing.T) {
	// GIVEN: A professional-tier provider (x2.0)
	// WHEN: A 5-star review is recorded by star count
	// THEN: 400 points are appended and show in the history

	f := newTestAPI(t)
	f.register(t, "p1", "professional")

	rec := f.do(t, http.MethodPost, "/api/providers/p1/actions", RecordActionRequest{Stars: 5, CaseID: "case-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tx := decodeBody[TransactionDTO](t, rec)
	assert.Equal(t, "review_5_star", tx.Action)
	assert.Equal(t, int64(200), tx.BasePoints)
	assert.Equal(t, "2", tx.Multiplier)
	assert.Equal(t, int64(400), tx.FinalPoints)

	history := decodeBody[[]TransactionDTO](t, f.do(t, http.MethodGet, "/api/providers/p1/transactions", nil))
	require.Len(t, history, 1)
	assert.Equal(t, "case-1", history[0].CaseID)

	audit := decodeBody[map[string]any](t, f.do(t, http.MethodGet, "/api/providers/p1/audit", nil))
	assert.Equal(t, true, audit["consistent"])
}

func TestRecordAction_Errors(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")

	rec := f.do(t, http.MethodPost, "/api/providers/p1/actions", RecordActionRequest{Action: "bribe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/providers/p1/actions", RecordActionRequest{Stars: 6})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/providers/ghost/actions", RecordActionRequest{Action: "case_complete_success"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignTier(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")

	rec := f.do(t, http.MethodPut, "/api/providers/p1/tier", AssignTierRequest{Tier: "enterprise"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "enterprise", decodeBody[ProviderDTO](t, rec).Tier)

	rec = f.do(t, http.MethodPut, "/api/providers/p1/tier", AssignTierRequest{Tier: "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordDecline_Direct(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")

	rec := f.do(t, http.MethodPost, "/api/providers/p1/declines", RecordDeclineRequest{CaseID: "case-9", Amount: "15000"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	out := decodeBody[DeclineOutcomeDTO](t, rec)
	assert.Equal(t, int64(50), out.PenaltyPoints, "base 30 + high value 20")
	assert.Equal(t, int64(-50), out.FinalPoints)
	assert.Equal(t, 1, out.WindowCount)
	assert.False(t, out.Suspended)

	rec = f.do(t, http.MethodPost, "/api/providers/p1/declines", RecordDeclineRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CASES
// =============================================================================

func TestCaseLifecycle_AssignAcceptComplete(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")

	rec := f.do(t, http.MethodPost, "/api/cases/assign", AssignCaseRequest{
		CaseID: "case-1", ClientID: "client-1", Specialty: "family", Amount: "800",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decision := decodeBody[DecisionDTO](t, rec)
	require.True(t, decision.Assigned)
	assert.Equal(t, "p1", decision.Offer.ProviderID)
	assert.Equal(t, "offered", decision.Offer.State)

	// A second assign while the offer is live is rejected.
	rec = f.do(t, http.MethodPost, "/api/cases/assign", AssignCaseRequest{CaseID: "case-1", Specialty: "family", Amount: "800"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cases/case-1/accept", OfferResponseRequest{ProviderID: "p1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", decodeBody[OfferDTO](t, rec).State)

	rec = f.do(t, http.MethodPost, "/api/cases/case-1/complete", CompleteCaseRequest{ProviderID: "p1", Success: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(100), decodeBody[TransactionDTO](t, rec).FinalPoints)

	rec = f.do(t, http.MethodPost, "/api/cases/case-1/complete", CompleteCaseRequest{ProviderID: "p1", Success: true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	offer := decodeBody[CaseOfferDTO](t, f.do(t, http.MethodGet, "/api/cases/case-1/offer", nil))
	assert.NotNil(t, offer.Current.CompletedAt)
	assert.Len(t, offer.History, 1)
}

func TestCaseLifecycle_DeclineReassigns(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")
	f.register(t, "p2", "free")

	rec := f.do(t, http.MethodPost, "/api/cases/assign", AssignCaseRequest{
		CaseID: "case-1", ClientID: "client-1", Specialty: "family", Amount: "800",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "p1", decodeBody[DecisionDTO](t, rec).Offer.ProviderID, "equal scores break ties by id")

	rec = f.do(t, http.MethodPost, "/api/cases/case-1/decline", OfferResponseRequest{ProviderID: "p2"})
	assert.Equal(t, http.StatusConflict, rec.Code, "only the offered provider may decline")

	rec = f.do(t, http.MethodPost, "/api/cases/case-1/decline", OfferResponseRequest{ProviderID: "p1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decision := decodeBody[DecisionDTO](t, rec)
	require.True(t, decision.Assigned)
	assert.Equal(t, "p2", decision.Offer.ProviderID)

	standing := decodeBody[StandingDTO](t, f.do(t, http.MethodGet, "/api/providers/p1/standing", nil))
	assert.Equal(t, int64(-30), standing.LevelPoints)
	assert.Equal(t, 1, standing.RecentDeclines)

	rec = f.do(t, http.MethodPost, "/api/cases/case-1/timeout", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decision = decodeBody[DecisionDTO](t, rec)
	assert.False(t, decision.Assigned)
}

func TestAssignCase_NoEligibleLawyerIsNotAnError(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodPost, "/api/cases/assign", AssignCaseRequest{CaseID: "case-1", Specialty: "tax", Amount: "100"})
	require.Equal(t, http.StatusOK, rec.Code)

	decision := decodeBody[DecisionDTO](t, rec)
	assert.False(t, decision.Assigned)
	assert.Nil(t, decision.Offer)
	assert.Empty(t, decision.Ranked)

	rec = f.do(t, http.MethodPost, "/api/cases/assign", AssignCaseRequest{CaseID: "case-2", Amount: "a lot"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepOffers(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")

	rec := f.do(t, http.MethodPost, "/api/cases/assign", AssignCaseRequest{CaseID: "case-1", Specialty: "family", Amount: "100"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/offers/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[map[string]int](t, rec)["expired"])

	f.clock.Advance(49 * time.Hour)
	rec = f.do(t, http.MethodPost, "/api/admin/offers/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[map[string]int](t, rec)["expired"])
}

// =============================================================================
// CREDITS
// =============================================================================

func TestCredits_ConsumePurchaseReset(t *testing.T) {
	f := newTestAPI(t)

	account := decodeBody[CreditAccountDTO](t, f.do(t, http.MethodGet, "/api/clients/c1/credits", nil))
	assert.Equal(t, int64(1), account.Remaining)

	rec := f.do(t, http.MethodPost, "/api/clients/c1/credits/consume", CreditsRequest{Amount: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decodeBody[CreditAccountDTO](t, rec).Available)

	rec = f.do(t, http.MethodPost, "/api/clients/c1/credits/consume", CreditsRequest{Amount: 1})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/clients/c1/credits/consume", CreditsRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/clients/c1/credits/purchase", CreditsRequest{Amount: 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), decodeBody[CreditAccountDTO](t, rec).PurchasedBalance)

	f.clock.Advance(7 * 24 * time.Hour)
	rec = f.do(t, http.MethodPost, "/api/admin/credits/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[ResetReportDTO](t, rec)
	assert.Equal(t, 1, report.Reset)
	assert.Equal(t, "2026-03-16T00:00:00Z", report.WeekStart)

	account = decodeBody[CreditAccountDTO](t, f.do(t, http.MethodGet, "/api/clients/c1/credits", nil))
	assert.Equal(t, int64(1), account.Remaining)
	assert.Equal(t, int64(3), account.PurchasedBalance)
}

// =============================================================================
// REFERENCE + OPS
// =============================================================================

func TestListTiers(t *testing.T) {
	f := newTestAPI(t)

	tiers := decodeBody[[]TierDTO](t, f.do(t, http.MethodGet, "/api/tiers", nil))
	require.Len(t, tiers, 4)
	assert.Equal(t, "free", tiers[0].Tier)
	assert.Equal(t, "enterprise", tiers[3].Tier)
	assert.Equal(t, 0, tiers[3].DailyCaseLimit)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "p1", "free")

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "engagement_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&core.InsufficientCreditsError{ClientID: "c1", Available: 0, Requested: 1}, http.StatusPaymentRequired},
		{core.ErrProviderNotFound, http.StatusNotFound},
		{core.ErrOfferNotFound, http.StatusNotFound},
		{core.ErrProviderExists, http.StatusConflict},
		{core.ErrActiveOffer, http.StatusConflict},
		{&core.UnknownTierError{Tier: "gold"}, http.StatusBadRequest},
		{core.ErrInvalidAmount, http.StatusBadRequest},
		{&core.ConflictError{Entity: "provider", ID: "p1", Attempts: 5}, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
