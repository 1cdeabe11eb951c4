package orders

import (
	"time"

	"github.com/labflow/labflow/internal/platform/auth"
)

// Trigger names the user action that requests a transition.
type Trigger string

const (
	TriggerSaveResults Trigger = "save-results"
	TriggerApprove     Trigger = "approve"
	TriggerMarkPrinted Trigger = "mark-printed"
)

type transitionRule struct {
	from       State
	to         State
	permission string
}

// lifecycle is the complete transition table. Anything not listed is a
// StateViolation; there are no skips and no backward moves.
var lifecycle = map[Trigger]transitionRule{
	TriggerSaveResults: {from: StateRegistered, to: StateHasResults, permission: auth.PermWriteResults},
	TriggerApprove:     {from: StateHasResults, to: StateApproved, permission: auth.PermApproveResults},
	TriggerMarkPrinted: {from: StateApproved, to: StatePrinted, permission: auth.PermPrintReports},
}

// ValidateTransition returns the target state for trigger, or a
// StateViolation when the order is not in the trigger's source state.
func ValidateTransition(o *Order, trigger Trigger) (State, error) {
	rule, ok := lifecycle[trigger]
	if !ok {
		return "", &StateViolation{OrderID: o.ID, State: o.State, Action: string(trigger), Reason: "unknown trigger"}
	}
	if o.State != rule.from {
		return "", &StateViolation{
			OrderID: o.ID,
			State:   o.State,
			Action:  string(trigger),
			Reason:  "only allowed from " + string(rule.from),
		}
	}
	return rule.to, nil
}

// RequiredPermission is the permission an actor needs to fire trigger.
func RequiredPermission(trigger Trigger) string {
	return lifecycle[trigger].permission
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	for _, rule := range lifecycle {
		if rule.from == from && rule.to == to {
			return true
		}
	}
	return false
}

// checkGuard enforces the data preconditions of a trigger against the
// current snapshot.
func checkGuard(snap *Snapshot, trigger Trigger) error {
	o := snap.Order
	switch trigger {
	case TriggerSaveResults, TriggerApprove:
		if len(snap.Analyses) == 0 {
			return &StateViolation{OrderID: o.ID, State: o.State, Action: string(trigger), Reason: "order has no analyses"}
		}
		if snap.NonEmptyResults() == 0 {
			return &StateViolation{OrderID: o.ID, State: o.State, Action: string(trigger), Reason: "no results entered"}
		}
	}
	return nil
}

// applyTransition returns a copy of o moved to the trigger's target state
// with the matching timestamp and actor recorded, plus the history row.
// The returned order has passed Validate.
func applyTransition(o *Order, trigger Trigger, actor string, at time.Time) (*Order, *Transition, error) {
	to, err := ValidateTransition(o, trigger)
	if err != nil {
		return nil, nil, err
	}

	// Lifecycle timestamps never run backwards, even if the clock does.
	if last := o.lastTimestamp(); at.Before(last) {
		at = last
	}

	next := *o
	next.State = to
	next.UpdatedAt = at
	switch to {
	case StateHasResults:
		next.ResultsAt, next.ResultsBy = timePtr(at), strPtr(actor)
	case StateApproved:
		next.ApprovedAt, next.ApprovedBy = timePtr(at), strPtr(actor)
	case StatePrinted:
		next.PrintedAt, next.PrintedBy = timePtr(at), strPtr(actor)
	}
	if err := next.Validate(); err != nil {
		return nil, nil, err
	}

	t := &Transition{OrderID: o.ID, From: o.State, To: to, ChangedBy: actor, ChangedAt: at}
	return &next, t, nil
}
