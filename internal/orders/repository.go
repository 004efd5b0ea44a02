package orders

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the order id does not resolve.
	ErrNotFound = errors.New("order not found")
	// ErrAlreadyExists indicates an order with the same id was already stored.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrStale indicates a conditional write lost to a concurrent change of
	// the order. Re-reading and retrying is safe.
	ErrStale = errors.New("order changed concurrently")
)

// Repository is the persistence collaborator of the order service.
//
// UpdateDetails and ApplyStatusChange are each a single atomic write against
// the backing store and touch disjoint attributes, so a transition racing a
// full update cannot drop its history append. UpdateDetails writes only the
// fields a patch supplies.
type Repository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	List(ctx context.Context, filter Filter, page Page) (ListResult, error)
	UpdateDetails(ctx context.Context, orderID string, patch DetailsPatch) (*Order, error)
	ApplyStatusChange(ctx context.Context, orderID string, change StatusChange) (*Order, error)
}
