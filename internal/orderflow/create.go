package orderflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/access"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/events"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/pricing"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/validation"
)

// Create prices and stores a new order. When idempotencyKey is set, a retry
// of the same request returns the order created by the first attempt.
func (s *Service) Create(ctx context.Context, caller access.Caller, in CreateInput, idempotencyKey string) (res CreateResult, err error) {
	ctx, span := tracer.Start(ctx, "orderflow.Create")
	defer func() { endSpan(span, err) }()

	if err := requireCaller(caller); err != nil {
		return CreateResult{}, err
	}
	if err := validateCreate(in); err != nil {
		return CreateResult{}, err
	}
	if caller.Role == access.RoleRestaurant && strings.TrimSpace(in.RestaurantID) != caller.RestaurantID {
		return CreateResult{}, fmt.Errorf("%w: restaurant callers may only create their own orders", ErrForbidden)
	}

	order := s.buildOrder(caller, in)
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Float64("order.total", order.Total))

	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		if err := s.orders.Create(ctx, order); err != nil {
			return CreateResult{}, storeError("create order", order.ID, err)
		}
		s.created(ctx, caller, order)
		return CreateResult{Order: order}, nil
	}
	if s.idempotency == nil {
		return CreateResult{}, fmt.Errorf("%w: idempotency store not configured", ErrUnavailable)
	}
	span.SetAttributes(attribute.String("idempotency.key", key))
	return s.createIdempotent(ctx, caller, in, order, key)
}

func (s *Service) buildOrder(caller access.Caller, in CreateInput) orders.Order {
	now := s.now()
	b := pricing.Calculate(pricing.Input{
		Items:       in.Items,
		DeliveryFee: in.DeliveryFee,
		ServiceFee:  in.ServiceFee,
		Discount:    in.Discount,
	})
	o := orders.Order{
		ID:              s.newID(),
		OrderNumber:     s.newNumber(),
		RestaurantID:    strings.TrimSpace(in.RestaurantID),
		CustomerName:    validation.SanitizeText(in.CustomerName),
		CustomerPhone:   strings.TrimSpace(in.CustomerPhone),
		CustomerEmail:   strings.TrimSpace(in.CustomerEmail),
		Items:           in.Items,
		DeliveryAddress: in.DeliveryAddress,
		Notes:           validation.SanitizeText(in.Notes),
		Subtotal:        b.Subtotal,
		DeliveryFee:     b.DeliveryFee,
		ServiceFee:      b.ServiceFee,
		Discount:        b.Discount,
		Total:           b.Total,
		Payment:         toPayment(in.Payment, b.Total),
		Status:          orders.StatusPendingPayment,
		StatusHistory:   []orders.StatusHistoryEntry{s.lifecycle.Initial("order placed")},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if caller.Role == access.RoleCustomer {
		o.CustomerID = caller.ID
		if o.CustomerEmail == "" {
			o.CustomerEmail = caller.Email
		}
	}
	o.CustomerEmailKey = orders.EmailKey(o.CustomerEmail)
	return o
}

func (s *Service) createIdempotent(ctx context.Context, caller access.Caller, in CreateInput, order orders.Order, key string) (CreateResult, error) {
	hash, err := requestHash(caller, in)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	rec, err := s.idempotency.Get(ctx, key)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: idempotency lookup: %v", ErrUnavailable, err)
	}
	if rec != nil {
		return s.replay(ctx, caller, rec, hash)
	}

	if pr, ok := s.idempotency.(pendingRecorder); ok && s.tx != nil {
		err := s.tx.CreateWithIdempotencyTransaction(ctx, pr.TableName(), pr.PendingRecord(key, order.ID, hash), order)
		switch {
		case err == nil:
			return s.finishIdempotent(ctx, caller, order, key), nil
		case errors.Is(err, orders.ErrIdempotencyKeyExists):
			rec, getErr := s.idempotency.Get(ctx, key)
			if getErr != nil {
				return CreateResult{}, fmt.Errorf("%w: idempotency lookup: %v", ErrUnavailable, getErr)
			}
			if rec != nil {
				return s.replay(ctx, caller, rec, hash)
			}
			// An expired record blocked the transaction; fall through to the
			// conditional path, which overwrites expired records.
		default:
			return CreateResult{}, storeError("create order", order.ID, err)
		}
	}

	created, err := s.idempotency.CreateIfNotExists(ctx, key, order.ID, hash)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: idempotency reserve: %v", ErrUnavailable, err)
	}
	if !created {
		rec, err := s.idempotency.Get(ctx, key)
		if err != nil {
			return CreateResult{}, fmt.Errorf("%w: idempotency lookup: %v", ErrUnavailable, err)
		}
		if rec == nil {
			return CreateResult{}, fmt.Errorf("%w: idempotency key %s is being reused concurrently", ErrConflict, key)
		}
		return s.replay(ctx, caller, rec, hash)
	}

	if err := s.orders.Create(ctx, order); err != nil {
		if markErr := s.idempotency.MarkFailed(ctx, key, fmt.Sprintf("create order: %v", err)); markErr != nil {
			s.log(ctx).Warn("idempotency record not marked failed", zap.String("idempotency_key", key), zap.Error(markErr))
		}
		return CreateResult{}, storeError("create order", order.ID, err)
	}
	return s.finishIdempotent(ctx, caller, order, key), nil
}

// finishIdempotent stores the response for replays and emits the created event.
// The order already exists, so a failure to record DONE is only logged.
func (s *Service) finishIdempotent(ctx context.Context, caller access.Caller, order orders.Order, key string) CreateResult {
	body, err := json.Marshal(order)
	if err == nil {
		err = s.idempotency.MarkDone(ctx, key, string(body), http.StatusCreated)
	}
	if err != nil {
		s.log(ctx).Warn("idempotency record not marked done",
			zap.String("idempotency_key", key),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
	s.created(ctx, caller, order)
	return CreateResult{Order: order}
}

// replay resolves a request whose key was seen before.
func (s *Service) replay(ctx context.Context, caller access.Caller, rec *idempotency.IdempotencyRecord, hash string) (CreateResult, error) {
	if rec.RequestHash != "" && rec.RequestHash != hash {
		return CreateResult{}, fmt.Errorf("%w: idempotency key %s was used for a different request", ErrConflict, rec.IdempotencyKey)
	}
	switch rec.Status {
	case idempotency.StatusDone:
	case idempotency.StatusInProgress:
		return CreateResult{}, fmt.Errorf("%w: request with idempotency key %s is still in progress", ErrConflict, rec.IdempotencyKey)
	case idempotency.StatusFailed:
		return CreateResult{}, fmt.Errorf("%w: request with idempotency key %s previously failed", ErrConflict, rec.IdempotencyKey)
	default:
		return CreateResult{}, fmt.Errorf("%w: unknown idempotency status %q", ErrConflict, rec.Status)
	}

	var order orders.Order
	if rec.ResponseBody != "" && json.Unmarshal([]byte(rec.ResponseBody), &order) == nil && order.ID != "" {
		order.CustomerEmailKey = orders.EmailKey(order.CustomerEmail)
	} else {
		found, err := s.orders.Get(ctx, rec.OrderID)
		if err != nil {
			return CreateResult{}, storeError("get order", rec.OrderID, err)
		}
		order = *found
	}
	if !access.Admit(order, caller) && (order.CustomerID == "" || order.CustomerID != caller.ID) {
		return CreateResult{}, fmt.Errorf("%w: order %s is outside the caller's scope", ErrForbidden, order.ID)
	}
	s.log(ctx).Info("idempotent checkout replayed",
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.String("order_id", order.ID),
	)
	return CreateResult{Order: order, Replayed: true}, nil
}

func (s *Service) created(ctx context.Context, caller access.Caller, order orders.Order) {
	s.log(ctx).Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("restaurant_id", order.RestaurantID),
		zap.Float64("total", order.Total),
	)
	s.publish(ctx, events.NewEvent(events.TypeOrderCreated, order, "", caller.ID, string(caller.Role), order.CreatedAt))
}

// requestHash fingerprints a checkout so that a key reused with a different
// payload or by a different caller is rejected instead of replayed.
func requestHash(caller access.Caller, in CreateInput) (string, error) {
	payload, err := json.Marshal(struct {
		CallerID string      `json:"callerId"`
		Input    CreateInput `json:"input"`
	}{caller.ID, in})
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
