package validation

import (
	"fmt"
	"html"
	"net/mail"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	v.RegisterStructValidation(updateOrderStructValidation, UpdateOrderRequest{})
	return v
}

// createOrderStructValidation rejects blank-after-trim text and string
// addresses that carry no content.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	for field, value := range map[string]string{
		"RestaurantID":  req.RestaurantID,
		"CustomerName":  req.CustomerName,
		"CustomerPhone": req.CustomerPhone,
	} {
		if value != "" && strings.TrimSpace(value) == "" {
			sl.ReportError(value, field, field, "notblank", "")
		}
	}
	if s, ok := req.DeliveryAddress.(string); ok && strings.TrimSpace(s) == "" {
		sl.ReportError(req.DeliveryAddress, "deliveryAddress", "DeliveryAddress", "required", "")
	}
	if req.Payment != nil {
		validatePayment(sl, *req.Payment)
	}
}

// updateOrderStructValidation distinguishes an absent item list (keep) from an
// explicitly empty one (rejected: an order always has line items).
func updateOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(UpdateOrderRequest)

	if req.Items != nil && len(req.Items) == 0 {
		sl.ReportError(req.Items, "items", "Items", "min", "1")
	}
	if req.CustomerEmail != nil && *req.CustomerEmail != "" {
		if _, err := mail.ParseAddress(*req.CustomerEmail); err != nil {
			sl.ReportError(*req.CustomerEmail, "customerEmail", "CustomerEmail", "email", "")
		}
	}
	if req.Payment != nil {
		validatePayment(sl, *req.Payment)
	}
}

func validatePayment(sl validatorv10.StructLevel, p PaymentRequest) {
	if p.CardNumber != "" && len(digits(p.CardNumber)) < 4 {
		sl.ReportError(p.CardNumber, "payment.cardNumber", "CardNumber", "card_number", fmt.Sprint(len(p.CardNumber)))
	}
}

var textPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup from free text and trims surrounding space.
func SanitizeText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// MaskCard returns the last four digits of a card number, or "" when fewer
// than four digits are present.
func MaskCard(number string) string {
	d := digits(number)
	if len(d) < 4 {
		return ""
	}
	return d[len(d)-4:]
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
