package orders

import (
	"sort"
	"time"
)

// Filter narrows a list query. Zero-valued fields do not constrain.
type Filter struct {
	Status          Status
	RestaurantID    string
	CustomerID      string
	DeliveryAgentID string
	CustomerEmail   string // compared case-insensitively
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
}

// Matches is the reference semantics of a Filter. Every Repository must
// return exactly the orders for which Matches is true.
func (f Filter) Matches(o Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.RestaurantID != "" && o.RestaurantID != f.RestaurantID {
		return false
	}
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if f.DeliveryAgentID != "" && o.DeliveryAgentID != f.DeliveryAgentID {
		return false
	}
	if f.CustomerEmail != "" && EmailKey(o.CustomerEmail) != EmailKey(f.CustomerEmail) {
		return false
	}
	if f.CreatedFrom != nil && o.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && o.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

// Page selects a window of a list result.
type Page struct {
	Limit  int
	Offset int
}

// ListResult is one page of orders plus the total number of matches.
type ListResult struct {
	Orders []Order
	Total  int
}

// paginate sorts newest first and applies the page window.
func paginate(matched []Order, page Page) ListResult {
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := page.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if page.Limit > 0 && start+page.Limit < total {
		end = start + page.Limit
	}
	return ListResult{Orders: matched[start:end], Total: total}
}
