// Package orders implements the lab order result lifecycle: bulk result
// ingestion, critical value alerting, the two-step approval gate and the
// Registered -> HasResults -> Approved -> Printed state machine.
package orders

import (
	"fmt"
	"time"
)

// State is the single authoritative lifecycle position of an order.
type State string

const (
	StateRegistered State = "registered"
	StateHasResults State = "has_results"
	StateApproved   State = "approved"
	StatePrinted    State = "printed"
)

var stateRank = map[State]int{
	StateRegistered: 0,
	StateHasResults: 1,
	StateApproved:   2,
	StatePrinted:    3,
}

func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := stateRank[st]; !ok {
		return "", fmt.Errorf("unknown order state %q", s)
	}
	return st, nil
}

// AtLeast reports whether s is other or a later state.
func (s State) AtLeast(other State) bool {
	return stateRank[s] >= stateRank[other]
}

type Order struct {
	ID              int64      `json:"id"`
	AttentionNumber int64      `json:"attention_number"`
	State           State      `json:"state"`
	PatientRef      string     `json:"patient_ref"`
	SiteRef         string     `json:"site_ref"`
	AgreementRef    *string    `json:"agreement_ref,omitempty"`
	RegisteredAt    time.Time  `json:"registered_at"`
	RegisteredBy    string     `json:"registered_by"`
	ResultsAt       *time.Time `json:"results_at,omitempty"`
	ResultsBy       *string    `json:"results_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ApprovedBy      *string    `json:"approved_by,omitempty"`
	PrintedAt       *time.Time `json:"printed_at,omitempty"`
	PrintedBy       *string    `json:"printed_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks that timestamp presence agrees with State and that the
// timestamps never run backwards. Every write path calls it.
func (o *Order) Validate() error {
	if _, ok := stateRank[o.State]; !ok {
		return fmt.Errorf("order %d: unknown state %q", o.ID, o.State)
	}
	if o.RegisteredAt.IsZero() {
		return fmt.Errorf("order %d: registered_at is required", o.ID)
	}

	steps := []struct {
		name  string
		state State
		at    *time.Time
		by    *string
	}{
		{"results", StateHasResults, o.ResultsAt, o.ResultsBy},
		{"approved", StateApproved, o.ApprovedAt, o.ApprovedBy},
		{"printed", StatePrinted, o.PrintedAt, o.PrintedBy},
	}
	prev := o.RegisteredAt
	for _, st := range steps {
		reached := o.State.AtLeast(st.state)
		switch {
		case reached && st.at == nil:
			return fmt.Errorf("order %d: state %s requires %s_at", o.ID, o.State, st.name)
		case !reached && st.at != nil:
			return fmt.Errorf("order %d: %s_at set while state is %s", o.ID, st.name, o.State)
		case reached && (st.by == nil || *st.by == ""):
			return fmt.Errorf("order %d: state %s requires %s_by", o.ID, o.State, st.name)
		}
		if st.at != nil {
			if st.at.Before(prev) {
				return fmt.Errorf("order %d: %s_at precedes the previous lifecycle timestamp", o.ID, st.name)
			}
			prev = *st.at
		}
	}
	return nil
}

func (o *Order) lastTimestamp() time.Time {
	last := o.RegisteredAt
	for _, ts := range []*time.Time{o.ResultsAt, o.ApprovedAt, o.PrintedAt} {
		if ts != nil && ts.After(last) {
			last = *ts
		}
	}
	return last
}

// OrderAnalysis is one priced analysis on an order. ComponentIDs is the
// component set frozen at registration; it bounds which results may be
// ingested for this analysis.
type OrderAnalysis struct {
	ID           int64   `json:"id"`
	OrderID      int64   `json:"order_id"`
	AnalysisID   int64   `json:"analysis_id"`
	AnalysisName string  `json:"analysis_name"`
	Price        float64 `json:"price"`
	ComponentIDs []int64 `json:"component_ids"`
}

func (a *OrderAnalysis) HasComponent(componentID int64) bool {
	for _, id := range a.ComponentIDs {
		if id == componentID {
			return true
		}
	}
	return false
}

// ComponentMeta is the display copy of catalog metadata taken when a value
// was entered. Alert evaluation never reads it.
type ComponentMeta struct {
	Name            string   `json:"name"`
	Unit            string   `json:"unit,omitempty"`
	ReferenceValues []string `json:"reference_values,omitempty"`
	AlertMin        *float64 `json:"alert_min,omitempty"`
	AlertMax        *float64 `json:"alert_max,omitempty"`
	MethodName      string   `json:"method_name,omitempty"`
}

type ComponentResult struct {
	OrderAnalysisID int64         `json:"order_analysis_id"`
	ComponentID     int64         `json:"component_id"`
	Value           string        `json:"value"`
	Meta            ComponentMeta `json:"meta"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ResultEntry is one submitted {analysis link, component, value} triple.
type ResultEntry struct {
	OrderAnalysisID int64  `json:"order_analysis_id" validate:"required,gt=0"`
	ComponentID     int64  `json:"component_id" validate:"required,gt=0"`
	Value           string `json:"value"`
}

type resultKey struct {
	orderAnalysisID int64
	componentID     int64
}

// Snapshot is an order with its analyses and stored results.
type Snapshot struct {
	Order    *Order             `json:"order"`
	Analyses []*OrderAnalysis   `json:"analyses"`
	Results  []*ComponentResult `json:"results"`
}

func (s *Snapshot) Analysis(orderAnalysisID int64) *OrderAnalysis {
	for _, a := range s.Analyses {
		if a.ID == orderAnalysisID {
			return a
		}
	}
	return nil
}

func (s *Snapshot) Result(orderAnalysisID, componentID int64) *ComponentResult {
	for _, r := range s.Results {
		if r.OrderAnalysisID == orderAnalysisID && r.ComponentID == componentID {
			return r
		}
	}
	return nil
}

// NonEmptyResults counts stored results with a non-blank value.
func (s *Snapshot) NonEmptyResults() int {
	n := 0
	for _, r := range s.Results {
		if normalizeValue(r.Value) != "" {
			n++
		}
	}
	return n
}

// Transition is one row of an order's lifecycle history. From is empty for
// the registration entry.
type Transition struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

// AnalysisRequest asks for one catalog analysis at a frozen price.
type AnalysisRequest struct {
	AnalysisID int64   `json:"analysis_id" validate:"required,gt=0"`
	Price      float64 `json:"price" validate:"gte=0"`
}

type RegisterRequest struct {
	PatientRef   string            `json:"patient_ref" validate:"required,max=64"`
	SiteRef      string            `json:"site_ref" validate:"required,max=64"`
	AgreementRef *string           `json:"agreement_ref,omitempty" validate:"omitempty,max=64"`
	Analyses     []AnalysisRequest `json:"analyses" validate:"required,min=1,dive"`
}

// ApprovalResult is the first half of the approval protocol.
type ApprovalResult struct {
	Alerts               []CriticalAlert `json:"alerts"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	ConfirmationToken    string          `json:"confirmation_token,omitempty"`
	Snapshot             *Snapshot       `json:"snapshot"`
}

// Confirmation is the operator's answer to an ApprovalResult.
type Confirmation struct {
	Accepted bool   `json:"accepted"`
	Token    string `json:"confirmation_token"`
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
