package orders

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOrderNotFound = errors.New("order not found")

	// ErrApprovalDeclined is the normal outcome of an operator rejecting the
	// critical value confirmation. Results already ingested are kept.
	ErrApprovalDeclined = errors.New("approval declined by operator")
)

// ValidationError rejects a whole request; nothing from it was persisted.
type ValidationError struct {
	Issues []string `json:"issues"`
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Issues: []string{fmt.Sprintf(format, args...)}}
}

// StateViolation is an illegal lifecycle move. State is unchanged.
type StateViolation struct {
	OrderID int64  `json:"order_id"`
	State   State  `json:"state"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
}

func (e *StateViolation) Error() string {
	return fmt.Sprintf("order %d in state %s cannot %s: %s", e.OrderID, e.State, e.Action, e.Reason)
}

// ConfirmationRequiredError means critical alerts exist that the operator has
// not acknowledged (or acknowledged a different set than the current one).
type ConfirmationRequiredError struct {
	Alerts []CriticalAlert `json:"alerts"`
	Token  string          `json:"confirmation_token"`
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("approval requires confirming %d critical value(s)", len(e.Alerts))
}

type PermissionError struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

func (e *PermissionError) Error() string {
	who := e.UserID
	if who == "" {
		who = "anonymous caller"
	}
	return fmt.Sprintf("%s lacks permission %s", who, e.Permission)
}
