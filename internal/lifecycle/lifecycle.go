// Package lifecycle is the order status state machine.
//
// The normal progression is pending_payment → confirmed → preparing → ready →
// out_for_delivery → delivered, with cancelled reachable from any non-terminal
// state. By default any enumerated status is accepted as a target; strict mode
// restricts targets to the next forward state or cancelled.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
)

var (
	// ErrUnknownStatus is returned for a target outside the enumeration.
	ErrUnknownStatus = errors.New("unknown order status")
	// ErrTransitionNotAllowed is returned by strict mode for an off-path target.
	ErrTransitionNotAllowed = errors.New("status transition not allowed")
)

// forward is the normal progression; cancelled is not part of it.
var forward = []orders.Status{
	orders.StatusPendingPayment,
	orders.StatusConfirmed,
	orders.StatusPreparing,
	orders.StatusReady,
	orders.StatusOutForDelivery,
	orders.StatusDelivered,
}

var stampFor = map[orders.Status]string{
	orders.StatusConfirmed:      orders.StampConfirmedAt,
	orders.StatusPreparing:      orders.StampPreparingAt,
	orders.StatusReady:          orders.StampReadyAt,
	orders.StatusOutForDelivery: orders.StampOutForDeliveryAt,
	orders.StatusDelivered:      orders.StampDeliveredAt,
	orders.StatusCancelled:      orders.StampCancelledAt,
}

// Options configures a Lifecycle.
type Options struct {
	Strict bool
	Now    func() time.Time
}

// Lifecycle plans status changes.
type Lifecycle struct {
	strict bool
	now    func() time.Time
}

// New returns a Lifecycle. A nil Now defaults to time.Now in UTC.
func New(opts Options) *Lifecycle {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Lifecycle{strict: opts.Strict, now: now}
}

// Strict reports whether adjacency is enforced.
func (l *Lifecycle) Strict() bool { return l.strict }

// Plan validates requested against the current order and returns the change
// to persist. It does not mutate current.
func (l *Lifecycle) Plan(current orders.Order, requested orders.Status, note string) (orders.StatusChange, error) {
	if !requested.Valid() {
		return orders.StatusChange{}, fmt.Errorf("%w: %q", ErrUnknownStatus, requested)
	}
	if l.strict && !allowedStrict(current.Status, requested) {
		return orders.StatusChange{}, fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, current.Status, requested)
	}
	at := l.now()
	return orders.StatusChange{
		Status: requested,
		Entry: orders.StatusHistoryEntry{
			Status:    requested,
			Note:      strings.TrimSpace(note),
			Timestamp: at,
		},
		StampField: stampFor[requested],
		At:         at,
	}, nil
}

// Initial returns the history entry every new order starts with.
func (l *Lifecycle) Initial(note string) orders.StatusHistoryEntry {
	return orders.StatusHistoryEntry{
		Status:    orders.StatusPendingPayment,
		Note:      note,
		Timestamp: l.now(),
	}
}

// IsTerminal reports whether s ends the lifecycle.
func IsTerminal(s orders.Status) bool {
	return s == orders.StatusDelivered || s == orders.StatusCancelled
}

// IsForward reports whether to is the state that normally follows from.
func IsForward(from, to orders.Status) bool {
	i := position(from)
	return i >= 0 && i+1 < len(forward) && forward[i+1] == to
}

func allowedStrict(from, to orders.Status) bool {
	if IsTerminal(from) {
		return false
	}
	if to == orders.StatusCancelled {
		return true
	}
	return IsForward(from, to)
}

func position(s orders.Status) int {
	for i, st := range forward {
		if st == s {
			return i
		}
	}
	return -1
}
