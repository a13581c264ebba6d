/*
scenarios.go - Demo scenarios run against the live engine

PURPOSE:
  Provides scripted walkthroughs that exercise the engine end to end for
  demos and smoke tests. Each scenario registers its own providers and
  clients and reports every step it took and what it observed.

AVAILABLE SCENARIOS:
  free-case-complete:     Free-tier provider completes a case (100 points)
  professional-review:    Professional provider gets a 5-star review (400 points)
  repeated-declines:      Declines until suspension; assignment skips the provider
  concurrent-consume:     More simultaneous consumes than credit available
  double-reset:           Weekly reset run twice; the second run changes nothing

HOW SCENARIOS WORK:
  1. Draw a run id so entities never collide with real data or earlier runs
  2. Register providers / clients under "<scenario>-<run>-..." ids
  3. Drive the same operations the API exposes
  4. Return the steps as human-readable lines

  Nothing is reset: scenarios only add data.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "repeated-declines"}

SEE ALSO:
  - handlers.go: The operations scenarios call
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/reputation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "free-case-complete",
		Name:        "Free Tier Case Completion",
		Description: "Free-tier provider (x1.0) completes a case: 100 points",
		Category:    "reputation",
	},
	{
		ID:          "professional-review",
		Name:        "Professional 5-Star Review",
		Description: "Professional provider (x2.0) receives a 5-star review: 400 points",
		Category:    "reputation",
	},
	{
		ID:          "repeated-declines",
		Name:        "Repeated Declines",
		Description: "Declines within the window suspend the provider; assignment excludes them",
		Category:    "assignment",
	},
	{
		ID:          "concurrent-consume",
		Name:        "Concurrent Consume",
		Description: "One more simultaneous consume than credit available: exactly one fails",
		Category:    "credits",
	},
	{
		ID:          "double-reset",
		Name:        "Double Weekly Reset",
		Description: "Weekly reset run twice in a row: the second run resets nothing",
		Category:    "credits",
	},
}

type scenarioRun struct {
	id    string
	runID string
	steps []string
}

func (s *scenarioRun) name(kind string) string {
	return fmt.Sprintf("%s-%s-%s", s.id, s.runID, kind)
}

func (s *scenarioRun) step(format string, args ...any) {
	s.steps = append(s.steps, fmt.Sprintf(format, args...))
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.RunScenario(r.Context(), req.ScenarioID)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		h.writeDomainError(w, "Failed to run scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunScenario executes one scenario by id.
func (h *Handler) RunScenario(ctx context.Context, scenarioID string) (ScenarioResultDTO, error) {
	run := &scenarioRun{id: scenarioID, runID: uuid.NewString()[:8]}

	var err error
	switch scenarioID {
	case "free-case-complete":
		err = h.runSingleAction(ctx, run, membership.TierFree, reputation.ActionCaseCompleteSuccess)
	case "professional-review":
		err = h.runSingleAction(ctx, run, membership.TierProfessional, reputation.ActionReview5Star)
	case "repeated-declines":
		err = h.runRepeatedDeclines(ctx, run)
	case "concurrent-consume":
		err = h.runConcurrentConsume(ctx, run)
	case "double-reset":
		err = h.runDoubleReset(ctx, run)
	default:
		return ScenarioResultDTO{}, fmt.Errorf("%w: unknown scenario %q", core.ErrInvalidInput, scenarioID)
	}
	if err != nil {
		return ScenarioResultDTO{}, fmt.Errorf("scenario %s: %w", scenarioID, err)
	}
	return ScenarioResultDTO{ScenarioID: scenarioID, RunID: run.runID, Steps: run.steps}, nil
}

// =============================================================================
// SCENARIO RUNNERS
// =============================================================================

func (h *Handler) registerDemoProvider(ctx context.Context, run *scenarioRun, kind string, tier core.TierName) (core.ProviderID, error) {
	p, err := h.Ledger.RegisterProvider(ctx, core.ProviderProfile{
		ID:          core.ProviderID(run.name(kind)),
		Name:        "Demo " + kind,
		Tier:        tier,
		Specialties: []string{"family"},
	})
	if err != nil {
		return "", err
	}
	run.step("registered %s on tier %s at level %d", p.ID, p.Tier, p.Level)
	return p.ID, nil
}

func (h *Handler) runSingleAction(ctx context.Context, run *scenarioRun, tier core.TierName, action reputation.ActionType) error {
	id, err := h.registerDemoProvider(ctx, run, "provider", tier)
	if err != nil {
		return err
	}

	tx, err := h.Ledger.RecordAction(ctx, id, action, reputation.ActionContext{Reason: "demo scenario"})
	if err != nil {
		return err
	}
	run.step("%s: base %d x %s = %d points", tx.Action, tx.BasePoints, tx.MultiplierApplied, tx.FinalPoints)

	standing, err := h.Ledger.Standing(ctx, id)
	if err != nil {
		return err
	}
	run.step("standing: level %d with %d points", standing.Level, standing.LevelPoints)
	return nil
}

func (h *Handler) runRepeatedDeclines(ctx context.Context, run *scenarioRun) error {
	id, err := h.registerDemoProvider(ctx, run, "provider", membership.TierBasic)
	if err != nil {
		return err
	}

	limit := h.Declines.Policy.SuspendAfter
	for i := 1; i <= limit; i++ {
		outcome, err := h.Declines.RecordDecline(ctx, id, core.CaseID(run.name(fmt.Sprintf("declined-%d", i))),
			decline.CaseAttributes{Amount: decimal.NewFromInt(500)})
		if err != nil {
			return err
		}
		run.step("decline %d: penalty %d, %d in window, suspended=%t",
			i, outcome.Record.PenaltyPoints, outcome.WindowCount, outcome.Suspended)
		if outcome.SuspendedUntil != nil {
			run.step("suspended until %s", formatTime(*outcome.SuspendedUntil))
		}
	}

	decision, err := h.Engine.AssignCase(ctx, core.Case{
		ID:        core.CaseID(run.name("case")),
		ClientID:  core.ClientID(run.name("client")),
		Specialty: "family",
		Amount:    decimal.NewFromInt(500),
	}, []core.ProviderID{id})
	if err != nil {
		return err
	}
	if decision.Assigned() {
		run.step("case offered to %s", decision.ProviderID())
		return nil
	}
	for _, x := range decision.Excluded {
		run.step("assignment excluded %s: %s", x.ProviderID, x.Reason)
	}
	run.step("no eligible lawyer")
	return nil
}

func (h *Handler) runConcurrentConsume(ctx context.Context, run *scenarioRun) error {
	client := core.ClientID(run.name("client"))
	account, err := h.Credits.Account(ctx, client)
	if err != nil {
		return err
	}
	n := int(account.Available()) + 1
	run.step("client %s opened with %d credit(s); firing %d consumes at once", client, account.Available(), n)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
		firstErr     error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Credits.Consume(ctx, client, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, core.ErrInsufficientCredits):
				rejected++
			case firstErr == nil:
				firstErr = err
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	run.step("%d ok, %d insufficient credits", ok, rejected)
	return nil
}

func (h *Handler) runDoubleReset(ctx context.Context, run *scenarioRun) error {
	client := core.ClientID(run.name("client"))
	if _, err := h.Credits.Consume(ctx, client, 1); err != nil {
		return err
	}
	run.step("client %s spent its weekly credit", client)

	for i := 1; i <= 2; i++ {
		report, err := h.Credits.ResetWeekly(ctx)
		if err != nil {
			return err
		}
		run.step("reset run %d for week of %s: %d reset, %d skipped",
			i, formatTime(report.WeekStart), report.Reset, report.Skipped)
	}

	a, err := h.Credits.Account(ctx, client)
	if err != nil {
		return err
	}
	run.step("client %s remaining %d", client, a.Remaining)
	return nil
}
