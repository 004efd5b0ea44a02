package pricing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Field-name synonyms accepted on raw line items. Upstream callers are not
// consistent, so the first key present wins.
var (
	quantityKeys      = []string{"quantity", "qty", "count"}
	unitPriceKeys     = []string{"price", "unitPrice", "unit_price", "basePrice", "base_price"}
	addOnListKeys     = []string{"addOns", "addons", "add_ons", "extras"}
	addOnPriceKeys    = []string{"price", "extraPrice", "extra_price", "additionalPrice", "amount"}
	customizationKeys = []string{"customizationPrice", "customization_price", "customizationTotal", "customization_total"}
)

// LineItem is the canonical shape the engine prices.
type LineItem struct {
	Quantity               float64
	UnitPrice              float64
	AddOnSubtotal          float64
	CustomizationSurcharge float64
}

// Contribution returns the unrounded amount this item adds to the subtotal.
// Items with a non-positive quantity contribute nothing, and an item never
// contributes less than zero, so a negative price cannot cancel other items.
// A negative surcharge still reduces its own item.
func (li LineItem) Contribution() float64 {
	if li.Quantity <= 0 {
		return 0
	}
	c := li.Quantity*li.UnitPrice + li.Quantity*li.AddOnSubtotal + li.Quantity*li.CustomizationSurcharge
	if c < 0 {
		return 0
	}
	return c
}

// Normalize converts raw line items into canonical LineItems. It never fails:
// missing or malformed numeric fields become zero.
func Normalize(raw []map[string]any) []LineItem {
	out := make([]LineItem, 0, len(raw))
	for _, item := range raw {
		out = append(out, normalizeOne(item))
	}
	return out
}

func normalizeOne(item map[string]any) LineItem {
	if item == nil {
		return LineItem{}
	}
	li := LineItem{
		Quantity:               lookupNumber(item, quantityKeys),
		UnitPrice:              lookupNumber(item, unitPriceKeys),
		CustomizationSurcharge: lookupNumber(item, customizationKeys),
	}
	for _, addOn := range lookupList(item, addOnListKeys) {
		li.AddOnSubtotal += addOnPrice(addOn)
	}
	return li
}

func addOnPrice(v any) float64 {
	switch a := v.(type) {
	case map[string]any:
		return lookupNumber(a, addOnPriceKeys)
	case map[string]float64:
		for _, k := range addOnPriceKeys {
			if f, ok := a[k]; ok {
				return finite(f)
			}
		}
	}
	return 0
}

func lookupNumber(item map[string]any, keys []string) float64 {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		f, _ := ToFloat(v)
		return f
	}
	return 0
}

func lookupList(item map[string]any, keys []string) []any {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		switch list := v.(type) {
		case []any:
			return list
		case []map[string]any:
			out := make([]any, 0, len(list))
			for _, m := range list {
				out = append(out, m)
			}
			return out
		}
		return nil
	}
	return nil
}

// ToFloat coerces v into a finite float64. The boolean reports whether v held
// a usable number; when false the returned value is 0.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case *float64:
		if n == nil {
			return 0, false
		}
		f = *n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
