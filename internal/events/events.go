// Package events publishes order lifecycle notifications for downstream
// consumers (dispatch, notifications, metrics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
)

// Event types.
const (
	TypeOrderCreated       = "order.created"
	TypeOrderUpdated       = "order.updated"
	TypeOrderStatusChanged = "order.status_changed"
)

// Event is the message body sent to the orders queue.
type Event struct {
	Type           string        `json:"type"`
	OrderID        string        `json:"order_id"`
	OrderNumber    string        `json:"order_number,omitempty"`
	RestaurantID   string        `json:"restaurant_id,omitempty"`
	Status         orders.Status `json:"status"`
	PreviousStatus orders.Status `json:"previous_status,omitempty"`
	Total          float64       `json:"total"`
	ActorID        string        `json:"actor_id,omitempty"`
	ActorRole      string        `json:"actor_role,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// NewEvent builds an event of type typ from the persisted order.
func NewEvent(typ string, o orders.Order, previous orders.Status, actorID, actorRole string, at time.Time) Event {
	return Event{
		Type:           typ,
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		RestaurantID:   o.RestaurantID,
		Status:         o.Status,
		PreviousStatus: previous,
		Total:          o.Total,
		ActorID:        actorID,
		ActorRole:      actorRole,
		OccurredAt:     at,
	}
}

// Publisher sends order events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events. It is used when no queue is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// MessageSender is satisfied by *aws.Publisher.
type MessageSender interface {
	SendOrderMessage(ctx context.Context, messageBody string, attributes map[string]string) (string, error)
}

// SQSPublisher encodes events as JSON and sends them to the orders queue.
type SQSPublisher struct {
	sender MessageSender
}

// NewSQSPublisher wraps sender.
func NewSQSPublisher(sender MessageSender) *SQSPublisher {
	return &SQSPublisher{sender: sender}
}

func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	attrs := map[string]string{
		"event_type":    ev.Type,
		"order_id":      ev.OrderID,
		"restaurant_id": ev.RestaurantID,
		"status":        string(ev.Status),
		"total":         strconv.FormatFloat(ev.Total, 'f', 2, 64),
	}
	if _, err := p.sender.SendOrderMessage(ctx, string(body), attrs); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Decode parses a queue message body.
func Decode(body string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" || ev.OrderID == "" {
		return Event{}, fmt.Errorf("decode event: missing type or order_id")
	}
	return ev, nil
}
