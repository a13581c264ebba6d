package reputation

import (
	"fmt"

	"github.com/warp/engagement-engine/core"
)

// =============================================================================
// ACTION TYPES
// =============================================================================

// ActionType is a provider action that earns or costs points.
type ActionType int

const (
	ActionCaseCompleteSuccess ActionType = iota
	ActionCaseCompleteFailure
	ActionReview5Star
	ActionReview4Star
	ActionReview3Star
	ActionReview2Star
	ActionReview1Star
	ActionCaseDeclined

	numActionTypes
)

// ActionSpec is one row of the action table. Dynamic actions take their base
// points from the ActionContext instead of BasePoints.
type ActionSpec struct {
	Name       string
	BasePoints int64
	Dynamic    bool
}

// actionTable is indexed by ActionType.
var actionTable = [...]ActionSpec{
	ActionCaseCompleteSuccess: {Name: "case_complete_success", BasePoints: 100},
	ActionCaseCompleteFailure: {Name: "case_complete_failure", BasePoints: -30},
	ActionReview5Star:         {Name: "review_5_star", BasePoints: 200},
	ActionReview4Star:         {Name: "review_4_star", BasePoints: 100},
	ActionReview3Star:         {Name: "review_3_star", BasePoints: 0},
	ActionReview2Star:         {Name: "review_2_star", BasePoints: -100},
	ActionReview1Star:         {Name: "review_1_star", BasePoints: -300},
	ActionCaseDeclined:        {Name: "case_declined", Dynamic: true},
}

// Fails to compile unless actionTable has exactly one row per ActionType.
var _ = [1]struct{}{}[len(actionTable)-int(numActionTypes)]

func (a ActionType) Valid() bool { return a >= 0 && a < numActionTypes }

func (a ActionType) Spec() ActionSpec {
	if !a.Valid() {
		return ActionSpec{Name: fmt.Sprintf("action(%d)", int(a))}
	}
	return actionTable[a]
}

func (a ActionType) String() string { return a.Spec().Name }

// ParseActionType resolves an action by its wire name.
func ParseActionType(name string) (ActionType, error) {
	for i, spec := range actionTable {
		if spec.Name == name {
			return ActionType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown action %q", core.ErrInvalidInput, name)
}

// ReviewAction maps a star rating to its review action.
func ReviewAction(stars int) (ActionType, error) {
	switch stars {
	case 5:
		return ActionReview5Star, nil
	case 4:
		return ActionReview4Star, nil
	case 3:
		return ActionReview3Star, nil
	case 2:
		return ActionReview2Star, nil
	case 1:
		return ActionReview1Star, nil
	}
	return 0, fmt.Errorf("%w: rating must be 1-5, got %d", core.ErrInvalidInput, stars)
}

// Actions lists every action with its table row, in enum order.
func Actions() []ActionSpec {
	out := make([]ActionSpec, len(actionTable))
	copy(out, actionTable[:])
	return out
}
