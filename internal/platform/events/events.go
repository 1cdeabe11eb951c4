// Package events publishes order lifecycle events to downstream consumers
// (print/notification dispatchers, dashboards).
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeOrderRegistered  = "order.registered"
	TypeResultsSaved     = "order.results_saved"
	TypeCriticalAlerts   = "order.critical_alerts"
	TypeOrderApproved    = "order.approved"
	TypeApprovalDeclined = "order.approval_declined"
	TypeOrderPrinted     = "order.printed"
)

// Event is the envelope written to every backend.
type Event struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	OrderID         int64       `json:"order_id"`
	AttentionNumber int64       `json:"attention_number"`
	State           string      `json:"state"`
	Actor           string      `json:"actor"`
	At              time.Time   `json:"at"`
	Data            interface{} `json:"data,omitempty"`
}

// New stamps an event with a fresh id.
func New(eventType string, orderID, attentionNumber int64, state, actor string, at time.Time, data interface{}) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            eventType,
		OrderID:         orderID,
		AttentionNumber: attentionNumber,
		State:           state,
		Actor:           actor,
		At:              at.UTC(),
		Data:            data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Ping(ctx context.Context) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Ping(context.Context) error           { return nil }
func (NopPublisher) Close() error                         { return nil }
