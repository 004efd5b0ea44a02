package orderflow

import (
	"errors"
	"fmt"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
)

// Error kinds returned by Service. Callers match them with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	// ErrUnavailable is a persistence failure. It is retryable and says
	// nothing about the request itself.
	ErrUnavailable = errors.New("unavailable")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeError classifies an error from the repository. A conditional write
// that lost to a concurrent change is unavailable like any other store
// failure; the request itself was fine and may be retried.
func storeError(op, orderID string, err error) error {
	if errors.Is(err, orders.ErrNotFound) {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
