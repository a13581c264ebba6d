/*
handlers.go - HTTP API handlers for the engagement engine

PURPOSE:
  Exposes the reputation ledger, decline tracker, assignment engine and
  credits throttle via REST API. Handles HTTP request/response and JSON
  serialization, and delegates everything else to the domain packages.

ENDPOINTS:
  Providers:
    GET    /api/providers                    List providers
    POST   /api/providers                    Register provider
    GET    /api/providers/{id}/standing      Level, points, tier, suspension
    GET    /api/providers/{id}/transactions  Point ledger, oldest first
    GET    /api/providers/{id}/audit         Replay ledger against profile
    POST   /api/providers/{id}/actions       Record a point action
    PUT    /api/providers/{id}/tier          Assign membership tier
    POST   /api/providers/{id}/declines      Record a decline outside an offer

  Cases:
    POST   /api/cases/assign                 Run assignment for a case
    GET    /api/cases/{id}/offer             Current offer + history
    POST   /api/cases/{id}/accept            Provider accepts
    POST   /api/cases/{id}/decline           Provider declines; case re-assigned
    POST   /api/cases/{id}/timeout           Offer expired; case re-assigned
    POST   /api/cases/{id}/complete          Close an accepted case

  Credits:
    GET    /api/clients/{id}/credits         Account (opens lazily)
    POST   /api/clients/{id}/credits/consume
    POST   /api/clients/{id}/credits/purchase

  Admin:
    POST   /api/admin/credits/reset          Weekly reset (idempotent per week)
    POST   /api/admin/offers/sweep           Time out stale offers

  Reference:
    GET    /api/tiers                        Tier terms in force now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown tier, invalid amount
  - 402: Insufficient credits
  - 404: Provider, case, offer or account not found
  - 409: Duplicate provider, case already offered, offer mismatch
  - 503: Compare-and-swap still conflicting after retries
  - 500: Internal errors

  No eligible lawyer is NOT an error: assign/decline/timeout return 200 with
  "assigned": false.

SECURITY NOTE:
  No authentication or authorization. The surface is meant to sit behind
  the platform's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - core/errors.go: Error classification helpers
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/engagement-engine/assignment"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/credits"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/reputation"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Profiles core.ProfileStore
	Registry *membership.Registry
	Ledger   *reputation.Ledger
	Declines *decline.Tracker
	Engine   *assignment.Engine
	Credits  credits.Throttle
	Clock    core.Clock
	Log      *zap.Logger

	// OfferTTL is how long an offer may stay unanswered before the sweep
	// times it out.
	OfferTTL time.Duration

	// Pinger is optional; nil reports healthy.
	Pinger Pinger
}

// =============================================================================
// PROVIDER HANDLERS
// =============================================================================

// ListProviders returns every registered provider.
// GET /api/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Profiles.ListProfiles(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list providers", err)
		return
	}

	dtos := make([]ProviderDTO, len(profiles))
	for i, p := range profiles {
		dtos[i] = toProviderDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterProvider creates a provider at level 1 with zero points.
// POST /api/providers
func (h *Handler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req RegisterProviderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	minAmount, err := parseAmount(req.MinAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid min_amount", err)
		return
	}
	maxAmount, err := parseAmount(req.MaxAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid max_amount", err)
		return
	}

	p, err := h.Ledger.RegisterProvider(r.Context(), core.ProviderProfile{
		ID:          core.ProviderID(req.ID),
		Name:        req.Name,
		Tier:        core.TierName(req.Tier),
		Specialties: req.Specialties,
		MinAmount:   minAmount,
		MaxAmount:   maxAmount,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to register provider", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProviderDTO(p))
}

// GetStanding returns level, points, tier and any active suspension.
// GET /api/providers/{id}/standing
func (h *Handler) GetStanding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := core.ProviderID(chi.URLParam(r, "id"))

	standing, err := h.Ledger.Standing(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to get standing", err)
		return
	}
	recent, err := h.Declines.RecentDeclines(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to count declines", err)
		return
	}
	writeJSON(w, http.StatusOK, toStandingDTO(standing, len(recent)))
}

// GetTransactions returns the provider's point ledger.
// GET /api/providers/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.History(r.Context(), core.ProviderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AuditProvider replays the ledger and compares it with the stored profile.
// GET /api/providers/{id}/audit
func (h *Handler) AuditProvider(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.Audit(r.Context(), core.ProviderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to audit provider", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id":     report.ProviderID,
		"transactions":    report.Transactions,
		"stored_points":   report.StoredPoints,
		"replayed_points": report.ReplayedPoints,
		"stored_level":    report.StoredLevel,
		"replayed_level":  report.ReplayedLevel,
		"consistent":      report.Consistent(),
	})
}

// RecordAction appends a point transaction for the provider.
// POST /api/providers/{id}/actions
func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var req RecordActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		action reputation.ActionType
		err    error
	)
	if req.Action == "" && req.Stars != 0 {
		action, err = reputation.ReviewAction(req.Stars)
	} else {
		action, err = reputation.ParseActionType(req.Action)
	}
	if err != nil {
		h.writeDomainError(w, "Invalid action", err)
		return
	}

	tx, err := h.Ledger.RecordAction(r.Context(), core.ProviderID(chi.URLParam(r, "id")), action, reputation.ActionContext{
		Penalty: req.Penalty,
		CaseID:  core.CaseID(req.CaseID),
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record action", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// AssignTier moves the provider to another membership tier.
// PUT /api/providers/{id}/tier
func (h *Handler) AssignTier(w http.ResponseWriter, r *http.Request) {
	var req AssignTierRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.Registry.AssignTier(r.Context(), core.ProviderID(chi.URLParam(r, "id")), core.TierName(req.Tier))
	if err != nil {
		h.writeDomainError(w, "Failed to assign tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderDTO(p))
}

// RecordDecline penalizes a refusal reported by another component.
// POST /api/providers/{id}/declines
func (h *Handler) RecordDecline(w http.ResponseWriter, r *http.Request) {
	var req RecordDeclineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CaseID == "" {
		writeError(w, http.StatusBadRequest, "case_id is required", nil)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	record := h.Declines.RecordDecline
	if req.TimedOut {
		record = h.Declines.RecordTimeout
	}
	outcome, err := record(r.Context(), core.ProviderID(chi.URLParam(r, "id")), core.CaseID(req.CaseID),
		decline.CaseAttributes{Amount: amount})
	if err != nil {
		h.writeDomainError(w, "Failed to record decline", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeclineOutcomeDTO(outcome))
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

// AssignCase records the case and offers it to the best eligible provider.
// POST /api/cases/assign
func (h *Handler) AssignCase(w http.ResponseWriter, r *http.Request) {
	var req AssignCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	pool := make([]core.ProviderID, len(req.CandidatePool))
	for i, id := range req.CandidatePool {
		pool[i] = core.ProviderID(id)
	}

	decision, err := h.Engine.AssignCase(r.Context(), core.Case{
		ID:         core.CaseID(req.CaseID),
		ClientID:   core.ClientID(req.ClientID),
		Specialty:  req.Specialty,
		Amount:     amount,
		Urgency:    req.Urgency,
		Enterprise: req.Enterprise,
	}, pool)
	if err != nil {
		h.writeDomainError(w, "Failed to assign case", err)
		return
	}

	status := http.StatusOK
	if decision.Assigned() {
		status = http.StatusCreated
	}
	writeJSON(w, status, toDecisionDTO(decision))
}

// GetOffer returns the case's current offer and its full offer history.
// GET /api/cases/{id}/offer
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := core.CaseID(chi.URLParam(r, "id"))

	current, err := h.Engine.CurrentOffer(ctx, caseID)
	if err != nil {
		h.writeDomainError(w, "Failed to get offer", err)
		return
	}
	history, err := h.Engine.OfferHistory(ctx, caseID)
	if err != nil {
		h.writeDomainError(w, "Failed to get offer history", err)
		return
	}

	dto := CaseOfferDTO{Current: toOfferDTO(current), History: make([]OfferDTO, len(history))}
	for i, o := range history {
		dto.History[i] = toOfferDTO(o)
	}
	writeJSON(w, http.StatusOK, dto)
}

// AcceptOffer finalizes the live offer for the responding provider.
// POST /api/cases/{id}/accept
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferResponseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	offer, err := h.Engine.Accept(r.Context(), core.CaseID(chi.URLParam(r, "id")), core.ProviderID(req.ProviderID))
	if err != nil {
		h.writeDomainError(w, "Failed to accept offer", err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferDTO(offer))
}

// DeclineOffer penalizes the responding provider and re-assigns the case.
// POST /api/cases/{id}/decline
func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferResponseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	decision, err := h.Engine.Decline(r.Context(), core.CaseID(chi.URLParam(r, "id")), core.ProviderID(req.ProviderID))
	if err != nil {
		h.writeDomainError(w, "Failed to decline offer", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(decision))
}

// TimeoutOffer expires the live offer and re-assigns the case.
// POST /api/cases/{id}/timeout
func (h *Handler) TimeoutOffer(w http.ResponseWriter, r *http.Request) {
	decision, err := h.Engine.Timeout(r.Context(), core.CaseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to time out offer", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(decision))
}

// CompleteCase closes an accepted case and records its outcome.
// POST /api/cases/{id}/complete
func (h *Handler) CompleteCase(w http.ResponseWriter, r *http.Request) {
	var req CompleteCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, err := h.Engine.Complete(r.Context(), core.CaseID(chi.URLParam(r, "id")), core.ProviderID(req.ProviderID), req.Success)
	if err != nil {
		h.writeDomainError(w, "Failed to complete case", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// GetCredits returns the client's account, opening it on first use.
// GET /api/clients/{id}/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	a, err := h.Credits.Account(r.Context(), core.ClientID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get credits", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditAccountDTO(a))
}

// ConsumeCredits takes credit for a bulk submission.
// POST /api/clients/{id}/credits/consume
func (h *Handler) ConsumeCredits(w http.ResponseWriter, r *http.Request) {
	var req CreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.Credits.Consume(r.Context(), core.ClientID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		h.writeDomainError(w, "Failed to consume credits", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditAccountDTO(a))
}

// PurchaseCredits adds bought credit.
// POST /api/clients/{id}/credits/purchase
func (h *Handler) PurchaseCredits(w http.ResponseWriter, r *http.Request) {
	var req CreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.Credits.Purchase(r.Context(), core.ClientID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		h.writeDomainError(w, "Failed to purchase credits", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditAccountDTO(a))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ResetCredits runs the weekly reset. Safe to call repeatedly.
// POST /api/admin/credits/reset
func (h *Handler) ResetCredits(w http.ResponseWriter, r *http.Request) {
	report, err := h.Credits.ResetWeekly(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to reset credits", err)
		return
	}
	writeJSON(w, http.StatusOK, toResetReportDTO(report))
}

// SweepOffers times out offers older than OfferTTL.
// POST /api/admin/offers/sweep
func (h *Handler) SweepOffers(w http.ResponseWriter, r *http.Request) {
	expired, err := h.Engine.SweepTimedOut(r.Context(), h.OfferTTL)
	if err != nil {
		h.writeDomainError(w, "Failed to sweep offers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// ListTiers returns the terms of every tier in force now.
// GET /api/tiers
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers := h.Registry.Tiers()
	dtos := make([]TierDTO, len(tiers))
	for i, l := range tiers {
		dtos[i] = toTierDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz reports liveness and store reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, core.ErrProviderExists),
		errors.Is(err, core.ErrActiveOffer),
		errors.Is(err, core.ErrOfferMismatch):
		return http.StatusConflict
	case core.IsClientError(err):
		return http.StatusBadRequest
	case core.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message, zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
