/*
scenarios_test.go - Tests for the demo scenarios

Each scenario must run cleanly on a fresh store and report the outcome the
walkthrough promises.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_FreeCaseComplete(t *testing.T) {
	f := newTestAPI(t)

	result, err := f.handler.RunScenario(context.Background(), "free-case-complete")
	require.NoError(t, err)
	assert.Contains(t, result.Steps, "case_complete_success: base 100 x 1 = 100 points")
}

func TestScenario_ProfessionalReview(t *testing.T) {
	f := newTestAPI(t)

	result, err := f.handler.RunScenario(context.Background(), "professional-review")
	require.NoError(t, err)
	assert.Contains(t, result.Steps, "review_5_star: base 200 x 2 = 400 points")
}

func TestScenario_RepeatedDeclines(t *testing.T) {
	// GIVEN: A fresh provider
	// WHEN: It declines five cases within the window
	// THEN: The fifth decline suspends it and assignment finds no one

	f := newTestAPI(t)

	result, err := f.handler.RunScenario(context.Background(), "repeated-declines")
	require.NoError(t, err)
	require.NotEmpty(t, result.Steps)
	assert.Contains(t, result.Steps, "decline 5: penalty 70, 5 in window, suspended=true")
	assert.Contains(t, result.Steps, "suspended until 2026-03-11T09:00:00Z")
	assert.Equal(t, "no eligible lawyer", result.Steps[len(result.Steps)-1])
}

func TestScenario_ConcurrentConsume(t *testing.T) {
	f := newTestAPI(t)

	result, err := f.handler.RunScenario(context.Background(), "concurrent-consume")
	require.NoError(t, err)
	assert.Contains(t, result.Steps, "1 ok, 1 insufficient credits")
}

func TestScenario_DoubleReset(t *testing.T) {
	f := newTestAPI(t)

	result, err := f.handler.RunScenario(context.Background(), "double-reset")
	require.NoError(t, err)
	require.Len(t, result.Steps, 4)
	assert.Contains(t, result.Steps[2], "0 reset")
	assert.Contains(t, result.Steps[3], "remaining 0")
}

func TestScenario_ViaHTTP(t *testing.T) {
	f := newTestAPI(t)

	list := decodeBody[[]ScenarioDTO](t, f.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.Len(t, list, len(scenarios))

	for _, s := range list {
		rec := f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", s.ID, rec.Body.String())
		result := decodeBody[ScenarioResultDTO](t, rec)
		assert.Equal(t, s.ID, result.ScenarioID)
		assert.NotEmpty(t, result.RunID)
	}

	rec := f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "year-end-rollover"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
