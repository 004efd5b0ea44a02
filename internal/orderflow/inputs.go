package orderflow

import (
	"strings"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/pricing"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/validation"
)

// PaymentInput is payment information as submitted. CardNumber is reduced to
// its last four digits before anything is stored.
type PaymentInput struct {
	Method       string   `json:"method,omitempty"`
	CashTendered *float64 `json:"cashTendered,omitempty"`
	Change       *float64 `json:"change,omitempty"`
	CardBrand    string   `json:"cardBrand,omitempty"`
	CardNumber   string   `json:"cardNumber,omitempty"`
	CardLast4    string   `json:"cardLast4,omitempty"`
}

// CreateInput is a checkout submission. Monetary fields are raw; totals are
// always recomputed from Items.
type CreateInput struct {
	RestaurantID    string           `json:"restaurantId"`
	CustomerName    string           `json:"customerName"`
	CustomerPhone   string           `json:"customerPhone"`
	CustomerEmail   string           `json:"customerEmail,omitempty"`
	DeliveryAddress any              `json:"deliveryAddress"`
	Items           []map[string]any `json:"items"`
	DeliveryFee     any              `json:"deliveryFee,omitempty"`
	ServiceFee      any              `json:"serviceFee,omitempty"`
	Discount        any              `json:"discount,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	Payment         *PaymentInput    `json:"payment,omitempty"`
}

// UpdateInput is a partial full-record update. Nil fields keep the stored value.
type UpdateInput struct {
	CustomerName    *string
	CustomerPhone   *string
	CustomerEmail   *string
	DeliveryAgentID *string
	DeliveryAddress any
	Items           []map[string]any
	DeliveryFee     any
	ServiceFee      any
	Discount        any
	Notes           *string
	Payment         *PaymentInput
	Status          *string
	StatusNote      string
}

// ListQuery is a caller-supplied filter plus a page window. Zero Limit means
// the configured default.
type ListQuery struct {
	Filter orders.Filter
	Limit  int
	Offset int
}

// ListPage is one page of visible orders with its pagination metadata.
type ListPage struct {
	Orders  []orders.Order
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// CreateResult is the outcome of Create. Replayed is set when an idempotency
// key resolved to an order created by an earlier request.
type CreateResult struct {
	Order    orders.Order
	Replayed bool
}

// Pagination bounds list page sizes.
type Pagination struct {
	DefaultLimit int
	MaxLimit     int
}

// DefaultPagination is used when Deps leaves Pagination zero.
var DefaultPagination = Pagination{DefaultLimit: 20, MaxLimit: 100}

func (p Pagination) clamp(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = p.DefaultLimit
	}
	if limit > p.MaxLimit {
		limit = p.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func validateCreate(in CreateInput) error {
	switch {
	case strings.TrimSpace(in.RestaurantID) == "":
		return validationf("restaurantId is required")
	case strings.TrimSpace(in.CustomerName) == "":
		return validationf("customerName is required")
	case strings.TrimSpace(in.CustomerPhone) == "":
		return validationf("customerPhone is required")
	case !hasAddress(in.DeliveryAddress):
		return validationf("deliveryAddress is required")
	case len(in.Items) == 0:
		return validationf("at least one line item is required")
	}
	return nil
}

func hasAddress(v any) bool {
	switch a := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(a) != ""
	case map[string]any:
		return len(a) > 0
	}
	return true
}

func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := pricing.Round2(*v)
	return &r
}

// toPayment masks the card number and derives change for cash payments when
// the client did not supply it.
func toPayment(in *PaymentInput, total float64) *orders.Payment {
	if in == nil {
		return nil
	}
	p := &orders.Payment{
		Method:       strings.ToLower(validation.SanitizeText(in.Method)),
		CashTendered: round2(in.CashTendered),
		Change:       round2(in.Change),
		CardBrand:    validation.SanitizeText(in.CardBrand),
		CardLast4:    validation.MaskCard(in.CardNumber),
	}
	if p.CardLast4 == "" {
		p.CardLast4 = validation.MaskCard(in.CardLast4)
	}
	if p.Method == "cash" && p.CashTendered != nil && p.Change == nil {
		change := pricing.Round2(*p.CashTendered - total)
		if change < 0 {
			change = 0
		}
		p.Change = &change
	}
	return p
}
