// Package orderflow orchestrates order checkout, reads, updates and status
// transitions on behalf of an authenticated caller.
package orderflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/access"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/events"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/lifecycle"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/logging"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/pricing"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/validation"
)

var tracer = otel.Tracer("github.com/imrishuroy/go-foodorder-orderflow/internal/orderflow")

// IdempotencyStore records checkout attempts keyed by the client's
// Idempotency-Key. Both idempotency.Store and idempotency.MemoryStore satisfy it.
type IdempotencyStore interface {
	CreateIfNotExists(ctx context.Context, key, orderID, requestHash string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.IdempotencyRecord, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// Transactor writes an order and its idempotency record in one transaction.
type Transactor interface {
	CreateWithIdempotencyTransaction(ctx context.Context, idempotencyTable string, idempotencyItem any, order orders.Order) error
}

// pendingRecorder is implemented by idempotency stores that can take part in
// a Transactor write.
type pendingRecorder interface {
	TableName() string
	PendingRecord(key, orderID, requestHash string) idempotency.IdempotencyRecord
}

// Deps are the collaborators of a Service. Orders is required; the rest
// default to in-process implementations.
type Deps struct {
	Orders         orders.Repository
	Transactor     Transactor
	Lifecycle      *lifecycle.Lifecycle
	Events         events.Publisher
	Idempotency    IdempotencyStore
	Logger         *zap.Logger
	Clock          func() time.Time
	NewID          func() string
	NewOrderNumber func() string
	Pagination     Pagination
}

// Service is the order orchestrator.
type Service struct {
	orders      orders.Repository
	tx          Transactor
	lifecycle   *lifecycle.Lifecycle
	events      events.Publisher
	idempotency IdempotencyStore
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
	newNumber   func() string
	pagination  Pagination
}

// New builds a Service from deps.
func New(deps Deps) (*Service, error) {
	if deps.Orders == nil {
		return nil, errors.New("orderflow: orders repository is required")
	}
	s := &Service{
		orders:      deps.Orders,
		tx:          deps.Transactor,
		lifecycle:   deps.Lifecycle,
		events:      deps.Events,
		idempotency: deps.Idempotency,
		logger:      deps.Logger,
		now:         deps.Clock,
		newID:       deps.NewID,
		newNumber:   deps.NewOrderNumber,
		pagination:  deps.Pagination,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.lifecycle == nil {
		s.lifecycle = lifecycle.New(lifecycle.Options{Now: s.now})
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.newNumber == nil {
		s.newNumber = newOrderNumber
	}
	if s.pagination.DefaultLimit <= 0 || s.pagination.MaxLimit <= 0 {
		s.pagination = DefaultPagination
	}
	return s, nil
}

// List returns the page of orders visible to caller that match q.
func (s *Service) List(ctx context.Context, caller access.Caller, q ListQuery) (page ListPage, err error) {
	ctx, span := tracer.Start(ctx, "orderflow.List")
	defer func() { endSpan(span, err) }()

	if err := requireCaller(caller); err != nil {
		return ListPage{}, err
	}
	filter, err := access.Scope(q.Filter, caller)
	if err != nil {
		return ListPage{}, fmt.Errorf("%w: %s may not list these orders", ErrForbidden, caller.Role)
	}
	limit, offset := s.pagination.clamp(q.Limit, q.Offset)

	res, err := s.orders.List(ctx, filter, orders.Page{Limit: limit, Offset: offset})
	if err != nil {
		return ListPage{}, storeError("list orders", "", err)
	}
	span.SetAttributes(attribute.Int("orders.total", res.Total))
	return ListPage{
		Orders:  res.Orders,
		Total:   res.Total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(res.Orders) < res.Total,
	}, nil
}

// Get returns one order if the caller may see it. A caller with no scope at
// all is forbidden before the lookup; an existing order outside the caller's
// scope is forbidden rather than reported missing.
func (s *Service) Get(ctx context.Context, caller access.Caller, orderID string) (o orders.Order, err error) {
	ctx, span := tracer.Start(ctx, "orderflow.Get", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	if err := requireCaller(caller); err != nil {
		return orders.Order{}, err
	}
	found, err := s.fetchVisible(ctx, caller, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	return *found, nil
}

// Update writes the supplied fields of in in one atomic update. When items,
// fees or payment change the totals are recomputed, and the write only lands
// if the stored items and fees are still the ones read; otherwise it fails
// as unavailable and the caller may retry. A status carried by in is applied
// afterwards as a separate transition.
func (s *Service) Update(ctx context.Context, caller access.Caller, orderID string, in UpdateInput) (o orders.Order, err error) {
	ctx, span := tracer.Start(ctx, "orderflow.Update", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	if err := requireCaller(caller); err != nil {
		return orders.Order{}, err
	}
	if !access.CanUpdate(caller) {
		return orders.Order{}, fmt.Errorf("%w: %s may not update orders", ErrForbidden, caller.Role)
	}
	var target orders.Status
	if in.Status != nil {
		st, ok := orders.ParseStatus(*in.Status)
		if !ok {
			return orders.Order{}, validationf("unknown status %q", *in.Status)
		}
		target = st
	}

	current, err := s.fetchVisible(ctx, caller, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	patch, err := buildPatch(*current, in)
	if err != nil {
		return orders.Order{}, err
	}
	patch.UpdatedAt = s.now()

	updated, err := s.orders.UpdateDetails(ctx, orderID, patch)
	if err != nil {
		return orders.Order{}, storeError("update order", orderID, err)
	}
	s.publish(ctx, events.NewEvent(events.TypeOrderUpdated, *updated, "", caller.ID, string(caller.Role), updated.UpdatedAt))

	if target == "" {
		return *updated, nil
	}
	return s.transition(ctx, caller, *updated, target, in.StatusNote)
}

// Transition moves an order to status, appending a history entry and the
// matching timestamp in one atomic write.
func (s *Service) Transition(ctx context.Context, caller access.Caller, orderID, status, note string) (o orders.Order, err error) {
	ctx, span := tracer.Start(ctx, "orderflow.Transition", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.requested", status),
	))
	defer func() { endSpan(span, err) }()

	if err := requireCaller(caller); err != nil {
		return orders.Order{}, err
	}
	if !access.CanTransition(caller) {
		return orders.Order{}, fmt.Errorf("%w: %s may not change order status", ErrForbidden, caller.Role)
	}
	target, ok := orders.ParseStatus(status)
	if !ok {
		return orders.Order{}, validationf("unknown status %q", status)
	}
	current, err := s.fetchVisible(ctx, caller, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	return s.transition(ctx, caller, *current, target, note)
}

// transition plans and writes one status change. In strict mode the write is
// conditioned on the status the plan was checked against, so two racing
// transitions cannot both pass the adjacency check.
func (s *Service) transition(ctx context.Context, caller access.Caller, current orders.Order, target orders.Status, note string) (orders.Order, error) {
	change, err := s.lifecycle.Plan(current, target, validation.SanitizeText(note))
	switch {
	case errors.Is(err, lifecycle.ErrUnknownStatus):
		return orders.Order{}, fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, lifecycle.ErrTransitionNotAllowed):
		return orders.Order{}, fmt.Errorf("%w: %v", ErrConflict, err)
	case err != nil:
		return orders.Order{}, err
	}
	if s.lifecycle.Strict() {
		change.ExpectStatus = current.Status
	}

	updated, err := s.orders.ApplyStatusChange(ctx, current.ID, change)
	if err != nil {
		return orders.Order{}, storeError("apply status change", current.ID, err)
	}
	if !lifecycle.IsForward(current.Status, target) && target != orders.StatusCancelled {
		s.log(ctx).Warn("non-forward status transition",
			zap.String("order_id", current.ID),
			zap.String("from", string(current.Status)),
			zap.String("to", string(target)),
			zap.String("actor_role", string(caller.Role)),
		)
	}
	s.publish(ctx, events.NewEvent(events.TypeOrderStatusChanged, *updated, current.Status, caller.ID, string(caller.Role), change.At))
	return *updated, nil
}

// fetchVisible loads an order and admits it for caller.
func (s *Service) fetchVisible(ctx context.Context, caller access.Caller, orderID string) (*orders.Order, error) {
	if _, err := access.Scope(orders.Filter{}, caller); err != nil {
		return nil, fmt.Errorf("%w: %s has no order scope", ErrForbidden, caller.Role)
	}
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order id is empty", ErrNotFound)
	}
	found, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, storeError("get order", orderID, err)
	}
	if !access.Admit(*found, caller) {
		return nil, fmt.Errorf("%w: order %s is outside the caller's scope", ErrForbidden, orderID)
	}
	return found, nil
}

// buildPatch turns in into the fields to write. Pricing is recomputed only
// when items, fees or payment are supplied, and then guarded by the basis it
// was computed from.
func buildPatch(current orders.Order, in UpdateInput) (orders.DetailsPatch, error) {
	var p orders.DetailsPatch
	if in.CustomerName != nil {
		if strings.TrimSpace(*in.CustomerName) == "" {
			return p, validationf("customerName must not be blank")
		}
		name := validation.SanitizeText(*in.CustomerName)
		p.CustomerName = &name
	}
	if in.CustomerPhone != nil {
		if strings.TrimSpace(*in.CustomerPhone) == "" {
			return p, validationf("customerPhone must not be blank")
		}
		phone := strings.TrimSpace(*in.CustomerPhone)
		p.CustomerPhone = &phone
	}
	if in.CustomerEmail != nil {
		email := strings.TrimSpace(*in.CustomerEmail)
		p.CustomerEmail = &email
	}
	if in.DeliveryAgentID != nil {
		agent := strings.TrimSpace(*in.DeliveryAgentID)
		p.DeliveryAgentID = &agent
	}
	if in.DeliveryAddress != nil {
		if !hasAddress(in.DeliveryAddress) {
			return p, validationf("deliveryAddress must not be blank")
		}
		p.DeliveryAddress = in.DeliveryAddress
	}
	if in.Items != nil {
		if len(in.Items) == 0 {
			return p, validationf("at least one line item is required")
		}
		p.Items = in.Items
	}
	if in.Notes != nil {
		notes := validation.SanitizeText(*in.Notes)
		p.Notes = &notes
	}

	if in.Items == nil && in.DeliveryFee == nil && in.ServiceFee == nil && in.Discount == nil && in.Payment == nil {
		return p, nil
	}
	basis := orders.BasisOf(current)
	p.ExpectBasis = &basis

	total := current.Total
	if in.Items != nil || in.DeliveryFee != nil || in.ServiceFee != nil || in.Discount != nil {
		items := current.Items
		if in.Items != nil {
			items = in.Items
		}
		b := pricing.Calculate(pricing.Input{
			Items:       items,
			DeliveryFee: orDefault(in.DeliveryFee, current.DeliveryFee),
			ServiceFee:  orDefault(in.ServiceFee, current.ServiceFee),
			Discount:    orDefault(in.Discount, current.Discount),
		})
		p.Pricing = &orders.Pricing{
			Subtotal:    b.Subtotal,
			DeliveryFee: b.DeliveryFee,
			ServiceFee:  b.ServiceFee,
			Discount:    b.Discount,
			Total:       b.Total,
		}
		total = b.Total
	}
	if in.Payment != nil {
		p.Payment = toPayment(in.Payment, total)
	}
	return p, nil
}

// newOrderNumber returns "ORD-" followed by the random tail of a fresh ULID.
func newOrderNumber() string {
	id := ulid.Make().String()
	return "ORD-" + id[len(id)-10:]
}

func orDefault(v any, fallback float64) any {
	if v == nil {
		return fallback
	}
	return v
}

func requireCaller(c access.Caller) error {
	if strings.TrimSpace(c.ID) == "" && c.Role == "" {
		return ErrUnauthenticated
	}
	return nil
}

// publish sends ev without failing the request.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log(ctx).Warn("order event not published",
			zap.String("event_type", ev.Type),
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)
	}
}

// log prefers the request-scoped logger carried in ctx.
func (s *Service) log(ctx context.Context) *zap.Logger {
	if l := logging.FromContext(ctx); l.Core().Enabled(zap.ErrorLevel) {
		return l
	}
	return s.logger
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
