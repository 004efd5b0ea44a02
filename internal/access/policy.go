// Package access decides which orders a caller may read or mutate.
package access

import (
	"errors"
	"strings"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
)

// Role is the kind of actor making a request.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleRestaurant    Role = "restaurant"
	RoleDeliveryAgent Role = "delivery_agent"
	RoleCustomer      Role = "customer"
)

// ParseRole maps a claim value to a Role. Unknown values return false.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleRestaurant, RoleDeliveryAgent, RoleCustomer:
		return r, true
	}
	return "", false
}

// Caller is the resolved identity of the party making a request.
type Caller struct {
	ID           string
	Email        string
	Role         Role
	RestaurantID string
}

// ErrNoAccess means the caller may not ask at all. It is distinct from an
// empty result.
var ErrNoAccess = errors.New("no access")

// Scope narrows base to the caller's visibility. Callers lacking the
// attribute their role scopes by, unknown roles, and base filters naming a
// different tenant than the caller's own all yield ErrNoAccess.
func Scope(base orders.Filter, c Caller) (orders.Filter, error) {
	f := base
	switch c.Role {
	case RoleAdmin:
		return f, nil
	case RoleRestaurant:
		if c.RestaurantID == "" {
			return orders.Filter{}, ErrNoAccess
		}
		if base.RestaurantID != "" && base.RestaurantID != c.RestaurantID {
			return orders.Filter{}, ErrNoAccess
		}
		f.RestaurantID = c.RestaurantID
	case RoleDeliveryAgent:
		if c.ID == "" {
			return orders.Filter{}, ErrNoAccess
		}
		if base.DeliveryAgentID != "" && base.DeliveryAgentID != c.ID {
			return orders.Filter{}, ErrNoAccess
		}
		f.DeliveryAgentID = c.ID
	case RoleCustomer:
		email := orders.EmailKey(c.Email)
		if email == "" {
			return orders.Filter{}, ErrNoAccess
		}
		if base.CustomerEmail != "" && orders.EmailKey(base.CustomerEmail) != email {
			return orders.Filter{}, ErrNoAccess
		}
		f.CustomerEmail = email
	default:
		return orders.Filter{}, ErrNoAccess
	}
	return f, nil
}

// Admit reports whether the caller may read o. It is defined through Scope so
// that an order is admitted exactly when it would appear in the caller's list.
func Admit(o orders.Order, c Caller) bool {
	f, err := Scope(orders.Filter{}, c)
	if err != nil {
		return false
	}
	return f.Matches(o)
}

// CanUpdate reports whether the caller may perform a full-record update.
func CanUpdate(c Caller) bool {
	return c.Role == RoleAdmin || c.Role == RoleRestaurant
}

// CanTransition reports whether the caller may change an order's status.
func CanTransition(c Caller) bool {
	return c.Role == RoleAdmin || c.Role == RoleRestaurant || c.Role == RoleDeliveryAgent
}
