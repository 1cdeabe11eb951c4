package orders

import (
	"context"
)

// Repository persists orders, their frozen analysis/component sets, result
// values and lifecycle history.
type Repository interface {
	// CreateOrder stores o and its analyses, assigning ids and the attention
	// number, and records the registration history row.
	CreateOrder(ctx context.Context, o *Order, analyses []*OrderAnalysis) error
	// GetOrderWithResults returns ErrOrderNotFound for an unknown id.
	GetOrderWithResults(ctx context.Context, id int64) (*Snapshot, error)
	// ListByState lists newest first; an empty state lists every order.
	ListByState(ctx context.Context, state State, limit, offset int) ([]*Order, int, error)
	// UpsertResults writes all results atomically, keyed by
	// (order analysis, component). It fails with a StateViolation when the
	// order is no longer accepting results.
	UpsertResults(ctx context.Context, orderID int64, results []*ComponentResult) error
	// TransitionState persists o (already moved to its new state) only if the
	// stored state still equals from, and appends t to the history. A
	// mismatch is a StateViolation.
	TransitionState(ctx context.Context, o *Order, from State, t *Transition) error
	ListTransitions(ctx context.Context, orderID int64) ([]*Transition, error)
	Ping(ctx context.Context) error
}
