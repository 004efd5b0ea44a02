package pricing

import (
	"math"

	"github.com/shopspring/decimal"
)

// Input carries the raw pricing inputs of an order. Fee and discount values
// may be any JSON-ish scalar; they are coerced by Money.
type Input struct {
	Items       []map[string]any
	DeliveryFee any
	ServiceFee  any
	Discount    any
}

// Breakdown is the authoritative monetary summary of an order. Every field is
// rounded to two decimals and is never negative.
type Breakdown struct {
	Subtotal    float64 `json:"subtotal"`
	DeliveryFee float64 `json:"deliveryFee"`
	ServiceFee  float64 `json:"serviceFee"`
	Discount    float64 `json:"discount"`
	Total       float64 `json:"total"`
}

// Calculate prices the input. It never fails; malformed values degrade to zero.
func Calculate(in Input) Breakdown {
	subtotal := Subtotal(Normalize(in.Items))
	b := Breakdown{
		Subtotal:    subtotal,
		DeliveryFee: Money(in.DeliveryFee),
		ServiceFee:  Money(in.ServiceFee),
		Discount:    Money(in.Discount),
	}
	b.Total = Total(b.Subtotal, b.DeliveryFee, b.ServiceFee, b.Discount)
	return b
}

// Subtotal sums item contributions at full precision and rounds once.
func Subtotal(items []LineItem) float64 {
	var sum float64
	for _, it := range items {
		sum += it.Contribution()
	}
	return nonNegative(Round2(sum))
}

// Total returns max(0, round2(subtotal + deliveryFee + serviceFee - discount)).
func Total(subtotal, deliveryFee, serviceFee, discount float64) float64 {
	return nonNegative(Round2(subtotal + deliveryFee + serviceFee - discount))
}

// Money coerces a fee or discount: non-numeric values become 0, negatives are
// clamped to 0, and the result is rounded to two decimals.
func Money(v any) float64 {
	f, ok := ToFloat(v)
	if !ok || f < 0 {
		return 0
	}
	return nonNegative(Round2(f))
}

// Round2 rounds half away from zero at two decimal places.
func Round2(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}

func nonNegative(f float64) float64 {
	if f <= 0 {
		return 0
	}
	return f
}
