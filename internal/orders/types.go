package orders

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Status is an order lifecycle state.
type Status string

// Order statuses, in normal progression order.
const (
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReady          Status = "ready"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// Statuses lists every valid status. The first six are the forward progression.
var Statuses = []Status{
	StatusPendingPayment,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
}

// ParseStatus returns the Status named by s (case-insensitive).
func ParseStatus(s string) (Status, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Valid reports whether s is a member of the enumeration.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// StatusHistoryEntry is one append-only audit record.
type StatusHistoryEntry struct {
	Status    Status    `json:"status" dynamodbav:"status"`
	Note      string    `json:"note,omitempty" dynamodbav:"note,omitempty"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// Payment is stored as provided; only the card number is masked at the boundary.
type Payment struct {
	Method       string   `json:"method,omitempty" dynamodbav:"method,omitempty"`
	CashTendered *float64 `json:"cashTendered,omitempty" dynamodbav:"cash_tendered,omitempty"`
	Change       *float64 `json:"change,omitempty" dynamodbav:"change,omitempty"`
	CardBrand    string   `json:"cardBrand,omitempty" dynamodbav:"card_brand,omitempty"`
	CardLast4    string   `json:"cardLast4,omitempty" dynamodbav:"card_last4,omitempty"`
}

// Order represents the item stored in the orders table.
type Order struct {
	ID               string `json:"id" dynamodbav:"order_id"` // PK
	OrderNumber      string `json:"orderNumber" dynamodbav:"order_number"`
	RestaurantID     string `json:"restaurantId" dynamodbav:"restaurant_id"`
	CustomerID       string `json:"customerId,omitempty" dynamodbav:"customer_id,omitempty"`
	DeliveryAgentID  string `json:"deliveryAgentId,omitempty" dynamodbav:"delivery_agent_id,omitempty"`
	CustomerName     string `json:"customerName" dynamodbav:"customer_name"`
	CustomerPhone    string `json:"customerPhone" dynamodbav:"customer_phone"`
	CustomerEmail    string `json:"customerEmail,omitempty" dynamodbav:"customer_email,omitempty"`
	CustomerEmailKey string `json:"-" dynamodbav:"customer_email_key,omitempty"` // lower-cased, for scoping

	Items           []map[string]any `json:"items" dynamodbav:"items"` // opaque, priced by internal/pricing
	DeliveryAddress any              `json:"deliveryAddress" dynamodbav:"delivery_address"`
	Notes           string           `json:"notes,omitempty" dynamodbav:"notes,omitempty"`

	Subtotal    float64 `json:"subtotal" dynamodbav:"subtotal"`
	DeliveryFee float64 `json:"deliveryFee" dynamodbav:"delivery_fee"`
	ServiceFee  float64 `json:"serviceFee" dynamodbav:"service_fee"`
	Discount    float64 `json:"discount" dynamodbav:"discount"`
	Total       float64 `json:"total" dynamodbav:"total"`

	Payment *Payment `json:"payment,omitempty" dynamodbav:"payment,omitempty"`

	Status        Status               `json:"status" dynamodbav:"status"`
	StatusHistory []StatusHistoryEntry `json:"statusHistory" dynamodbav:"status_history"`

	CreatedAt        time.Time  `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt        time.Time  `json:"updatedAt" dynamodbav:"updated_at"`
	ConfirmedAt      *time.Time `json:"confirmedAt,omitempty" dynamodbav:"confirmed_at,omitempty"`
	PreparingAt      *time.Time `json:"preparingAt,omitempty" dynamodbav:"preparing_at,omitempty"`
	ReadyAt          *time.Time `json:"readyAt,omitempty" dynamodbav:"ready_at,omitempty"`
	OutForDeliveryAt *time.Time `json:"outForDeliveryAt,omitempty" dynamodbav:"out_for_delivery_at,omitempty"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty" dynamodbav:"delivered_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty" dynamodbav:"cancelled_at,omitempty"`
}

// EmailKey normalises an email for case-insensitive comparison.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Stamp fields written opportunistically on transition.
const (
	StampConfirmedAt      = "confirmed_at"
	StampPreparingAt      = "preparing_at"
	StampReadyAt          = "ready_at"
	StampOutForDeliveryAt = "out_for_delivery_at"
	StampDeliveredAt      = "delivered_at"
	StampCancelledAt      = "cancelled_at"
)

// StatusChange is the atomic unit of a status transition.
type StatusChange struct {
	Status     Status
	Entry      StatusHistoryEntry
	StampField string // empty when the target implies no timestamp
	At         time.Time

	// ExpectStatus, when set, makes the write conditional on the stored
	// status still being this value. A mismatch is ErrStale.
	ExpectStatus Status
}

// SetStamp writes t into the timestamp field named by field. Unknown names are ignored.
func (o *Order) SetStamp(field string, t time.Time) {
	ts := t
	switch field {
	case StampConfirmedAt:
		o.ConfirmedAt = &ts
	case StampPreparingAt:
		o.PreparingAt = &ts
	case StampReadyAt:
		o.ReadyAt = &ts
	case StampOutForDeliveryAt:
		o.OutForDeliveryAt = &ts
	case StampDeliveredAt:
		o.DeliveredAt = &ts
	case StampCancelledAt:
		o.CancelledAt = &ts
	}
}

// ValidStampField reports whether field names a status timestamp attribute.
func ValidStampField(field string) bool {
	switch field {
	case StampConfirmedAt, StampPreparingAt, StampReadyAt, StampOutForDeliveryAt, StampDeliveredAt, StampCancelledAt:
		return true
	}
	return false
}

// Details is the editable part of an order. PostgresStore keeps it as one
// jsonb document; status and history are never part of it.
type Details struct {
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	DeliveryAgentID string
	Items           []map[string]any
	DeliveryAddress any
	Notes           string
	Payment         *Payment

	Subtotal    float64
	DeliveryFee float64
	ServiceFee  float64
	Discount    float64
	Total       float64

	UpdatedAt time.Time
}

// DetailsOf extracts the current details of o.
func DetailsOf(o Order) Details {
	return Details{
		CustomerName:    o.CustomerName,
		CustomerPhone:   o.CustomerPhone,
		CustomerEmail:   o.CustomerEmail,
		DeliveryAgentID: o.DeliveryAgentID,
		Items:           o.Items,
		DeliveryAddress: o.DeliveryAddress,
		Notes:           o.Notes,
		Payment:         o.Payment,
		Subtotal:        o.Subtotal,
		DeliveryFee:     o.DeliveryFee,
		ServiceFee:      o.ServiceFee,
		Discount:        o.Discount,
		Total:           o.Total,
		UpdatedAt:       o.UpdatedAt,
	}
}

// ApplyDetails copies d onto o.
func (o *Order) ApplyDetails(d Details) {
	o.CustomerName = d.CustomerName
	o.CustomerPhone = d.CustomerPhone
	o.CustomerEmail = d.CustomerEmail
	o.CustomerEmailKey = EmailKey(d.CustomerEmail)
	o.DeliveryAgentID = d.DeliveryAgentID
	o.Items = d.Items
	o.DeliveryAddress = d.DeliveryAddress
	o.Notes = d.Notes
	o.Payment = d.Payment
	o.Subtotal = d.Subtotal
	o.DeliveryFee = d.DeliveryFee
	o.ServiceFee = d.ServiceFee
	o.Discount = d.Discount
	o.Total = d.Total
	o.UpdatedAt = d.UpdatedAt
}

// Pricing is the computed money breakdown of an order.
type Pricing struct {
	Subtotal    float64
	DeliveryFee float64
	ServiceFee  float64
	Discount    float64
	Total       float64
}

// PricingBasis is what an order's pricing is computed from.
type PricingBasis struct {
	Items       []map[string]any `json:"Items"`
	DeliveryFee float64          `json:"DeliveryFee"`
	ServiceFee  float64          `json:"ServiceFee"`
	Discount    float64          `json:"Discount"`
}

// BasisOf returns the pricing basis stored on o.
func BasisOf(o Order) PricingBasis {
	return PricingBasis{Items: o.Items, DeliveryFee: o.DeliveryFee, ServiceFee: o.ServiceFee, Discount: o.Discount}
}

// Equal compares two bases by their JSON form, so numbers that went through a
// store round trip compare by value.
func (b PricingBasis) Equal(other PricingBasis) bool {
	x, errX := json.Marshal(b)
	y, errY := json.Marshal(other)
	return errX == nil && errY == nil && bytes.Equal(x, y)
}

// DetailsPatch is the write set of a full update. Nil fields keep the stored
// value, so concurrent patches of different fields do not overwrite each other.
type DetailsPatch struct {
	CustomerName    *string
	CustomerPhone   *string
	CustomerEmail   *string
	DeliveryAgentID *string
	DeliveryAddress any
	Items           []map[string]any
	Notes           *string
	Payment         *Payment
	Pricing         *Pricing

	// ExpectBasis makes the write conditional on the stored items and fees
	// still being the ones Pricing was computed from. A mismatch is ErrStale.
	ExpectBasis *PricingBasis

	UpdatedAt time.Time
}

// ApplyPatch writes the supplied fields of p onto o.
func (o *Order) ApplyPatch(p DetailsPatch) {
	if p.CustomerName != nil {
		o.CustomerName = *p.CustomerName
	}
	if p.CustomerPhone != nil {
		o.CustomerPhone = *p.CustomerPhone
	}
	if p.CustomerEmail != nil {
		o.CustomerEmail = *p.CustomerEmail
		o.CustomerEmailKey = EmailKey(*p.CustomerEmail)
	}
	if p.DeliveryAgentID != nil {
		o.DeliveryAgentID = *p.DeliveryAgentID
	}
	if p.DeliveryAddress != nil {
		o.DeliveryAddress = p.DeliveryAddress
	}
	if p.Items != nil {
		o.Items = p.Items
	}
	if p.Notes != nil {
		o.Notes = *p.Notes
	}
	if p.Payment != nil {
		o.Payment = p.Payment
	}
	if p.Pricing != nil {
		o.Subtotal = p.Pricing.Subtotal
		o.DeliveryFee = p.Pricing.DeliveryFee
		o.ServiceFee = p.Pricing.ServiceFee
		o.Discount = p.Pricing.Discount
		o.Total = p.Pricing.Total
	}
	o.UpdatedAt = p.UpdatedAt
}

// Apply performs change on o in memory: it appends the history entry, sets
// the status and writes the implied stamp. The history slice is copied, never
// appended in place.
func (o *Order) Apply(change StatusChange) {
	history := make([]StatusHistoryEntry, 0, len(o.StatusHistory)+1)
	history = append(history, o.StatusHistory...)
	o.StatusHistory = append(history, change.Entry)
	o.Status = change.Status
	o.UpdatedAt = change.At
	if change.StampField != "" {
		o.SetStamp(change.StampField, change.At)
	}
}
