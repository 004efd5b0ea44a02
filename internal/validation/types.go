package validation

import "time"

// PaymentRequest is the optional payment block of a checkout or update.
// CardNumber is never stored; only its last four digits survive.
type PaymentRequest struct {
	Method       string   `json:"method" validate:"omitempty,max=40"`
	CashTendered *float64 `json:"cashTendered,omitempty" validate:"omitempty,gte=0"`
	Change       *float64 `json:"change,omitempty" validate:"omitempty,gte=0"`
	CardBrand    string   `json:"cardBrand,omitempty" validate:"omitempty,max=40"`
	CardNumber   string   `json:"cardNumber,omitempty" validate:"omitempty,max=32"`
	CardLast4    string   `json:"cardLast4,omitempty" validate:"omitempty,max=4"`
}

// CreateOrderRequest is the payload for POST /orders.
//
// Items are heterogeneous maps priced by the server; client-supplied totals
// are accepted for compatibility and ignored.
type CreateOrderRequest struct {
	RestaurantID    string           `json:"restaurantId" validate:"required,max=128"`
	CustomerName    string           `json:"customerName" validate:"required,max=200"`
	CustomerPhone   string           `json:"customerPhone" validate:"required,max=40"`
	CustomerEmail   string           `json:"customerEmail,omitempty" validate:"omitempty,email,max=254"`
	DeliveryAddress any              `json:"deliveryAddress" validate:"required"`
	Items           []map[string]any `json:"items" validate:"required,min=1"`
	DeliveryFee     any              `json:"deliveryFee,omitempty"`
	ServiceFee      any              `json:"serviceFee,omitempty"`
	Discount        any              `json:"discount,omitempty"`
	Notes           string           `json:"notes,omitempty" validate:"max=1000"`
	Payment         *PaymentRequest  `json:"payment,omitempty"`
	Subtotal        any              `json:"subtotal,omitempty"`
	Total           any              `json:"total,omitempty"`
	CreatedAt       *time.Time       `json:"createdAt,omitempty"` // optional client timestamp, informational only
}

// UpdateOrderRequest is the payload for PUT/PATCH /orders/:id. Absent fields
// keep their stored value.
type UpdateOrderRequest struct {
	CustomerName    *string          `json:"customerName,omitempty" validate:"omitempty,min=1,max=200"`
	CustomerPhone   *string          `json:"customerPhone,omitempty" validate:"omitempty,min=1,max=40"`
	CustomerEmail   *string          `json:"customerEmail,omitempty" validate:"omitempty,max=254"`
	DeliveryAgentID *string          `json:"deliveryAgentId,omitempty" validate:"omitempty,max=128"`
	DeliveryAddress any              `json:"deliveryAddress,omitempty"`
	Items           []map[string]any `json:"items,omitempty"`
	DeliveryFee     any              `json:"deliveryFee,omitempty"`
	ServiceFee      any              `json:"serviceFee,omitempty"`
	Discount        any              `json:"discount,omitempty"`
	Notes           *string          `json:"notes,omitempty" validate:"omitempty,max=1000"`
	Payment         *PaymentRequest  `json:"payment,omitempty"`
	Status          *string          `json:"status,omitempty"`
	StatusNote      string           `json:"statusNote,omitempty" validate:"max=500"`
}

// TransitionRequest is the payload for PATCH /orders/:id/status.
type TransitionRequest struct {
	Status string `json:"status" validate:"required,max=40"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}
