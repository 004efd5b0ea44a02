package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/access"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/auth"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/orderflow"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/orders"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/validation"
)

// IdempotencyKeyHeader lets clients retry checkout safely.
const IdempotencyKeyHeader = "Idempotency-Key"

// Pagination headers mirrored from the list envelope.
const (
	TotalCountHeader = "X-Total-Count"
	LimitHeader      = "X-Limit"
	OffsetHeader     = "X-Offset"
)

// OrderService is the orchestrator the routes delegate to.
type OrderService interface {
	List(ctx context.Context, caller access.Caller, q orderflow.ListQuery) (orderflow.ListPage, error)
	Get(ctx context.Context, caller access.Caller, orderID string) (orders.Order, error)
	Create(ctx context.Context, caller access.Caller, in orderflow.CreateInput, idempotencyKey string) (orderflow.CreateResult, error)
	Update(ctx context.Context, caller access.Caller, orderID string, in orderflow.UpdateInput) (orders.Order, error)
	Transition(ctx context.Context, caller access.Caller, orderID, status, note string) (orders.Order, error)
}

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	Service  OrderService
	Verifier *auth.Verifier
}

type ordersHandler struct {
	svc OrderService
	v   *validatorv10.Validate
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &ordersHandler{svc: cfg.Service, v: validation.New()}

	g := r.Group("/orders")
	g.Use(auth.Middleware(cfg.Verifier))
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.PATCH("/:id", h.update)
	g.PATCH("/:id/status", h.transition)
}

type paginationBody struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type listBody struct {
	Orders     []orders.Order `json:"orders"`
	Pagination paginationBody `json:"pagination"`
}

func (h *ordersHandler) list(c *gin.Context) {
	q, err := parseListQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	caller, _ := auth.FromGin(c)
	page, err := h.svc.List(c.Request.Context(), caller, q)
	if err != nil {
		writeError(c, err)
		return
	}
	if page.Orders == nil {
		page.Orders = []orders.Order{}
	}
	c.Header(TotalCountHeader, strconv.Itoa(page.Total))
	c.Header(LimitHeader, strconv.Itoa(page.Limit))
	c.Header(OffsetHeader, strconv.Itoa(page.Offset))
	c.JSON(http.StatusOK, listBody{
		Orders: page.Orders,
		Pagination: paginationBody{
			Total:   page.Total,
			Limit:   page.Limit,
			Offset:  page.Offset,
			HasMore: page.HasMore,
		},
	})
}

func (h *ordersHandler) get(c *gin.Context) {
	caller, _ := auth.FromGin(c)
	o, err := h.svc.Get(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *ordersHandler) create(c *gin.Context) {
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}
	caller, _ := auth.FromGin(c)
	res, err := h.svc.Create(c.Request.Context(), caller, createInput(req), c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/orders/%s", res.Order.ID))
	if res.Replayed {
		c.JSON(http.StatusOK, res.Order)
		return
	}
	c.JSON(http.StatusCreated, res.Order)
}

func (h *ordersHandler) update(c *gin.Context) {
	var req validation.UpdateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	caller, _ := auth.FromGin(c)
	o, err := h.svc.Update(c.Request.Context(), caller, c.Param("id"), updateInput(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *ordersHandler) transition(c *gin.Context) {
	var req validation.TransitionRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	caller, _ := auth.FromGin(c)
	o, err := h.svc.Transition(c.Request.Context(), caller, c.Param("id"), req.Status, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func parseListQuery(c *gin.Context) (orderflow.ListQuery, error) {
	var q orderflow.ListQuery
	if s := strings.TrimSpace(c.Query("status")); s != "" {
		st, ok := orders.ParseStatus(s)
		if !ok {
			return q, fmt.Errorf("%w: unknown status %q", orderflow.ErrValidation, s)
		}
		q.Filter.Status = st
	}
	q.Filter.RestaurantID = strings.TrimSpace(c.Query("restaurantId"))
	q.Filter.CustomerID = strings.TrimSpace(c.Query("customerId"))
	q.Filter.DeliveryAgentID = strings.TrimSpace(c.Query("deliveryAgentId"))
	q.Filter.CustomerEmail = strings.TrimSpace(c.Query("customerEmail"))

	var err error
	if q.Filter.CreatedFrom, err = parseTime(c.Query("from"), false); err != nil {
		return q, err
	}
	if q.Filter.CreatedTo, err = parseTime(c.Query("to"), true); err != nil {
		return q, err
	}
	if q.Limit, err = parseInt(c.Query("limit"), "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = parseInt(c.Query("offset"), "offset"); err != nil {
		return q, err
	}
	return q, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func parseTime(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %q", orderflow.ErrValidation, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseInt(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", orderflow.ErrValidation, name)
	}
	return n, nil
}

func createInput(req validation.CreateOrderRequest) orderflow.CreateInput {
	return orderflow.CreateInput{
		RestaurantID:    req.RestaurantID,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerEmail:   req.CustomerEmail,
		DeliveryAddress: req.DeliveryAddress,
		Items:           req.Items,
		DeliveryFee:     req.DeliveryFee,
		ServiceFee:      req.ServiceFee,
		Discount:        req.Discount,
		Notes:           req.Notes,
		Payment:         paymentInput(req.Payment),
	}
}

func updateInput(req validation.UpdateOrderRequest) orderflow.UpdateInput {
	return orderflow.UpdateInput{
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerEmail:   req.CustomerEmail,
		DeliveryAgentID: req.DeliveryAgentID,
		DeliveryAddress: req.DeliveryAddress,
		Items:           req.Items,
		DeliveryFee:     req.DeliveryFee,
		ServiceFee:      req.ServiceFee,
		Discount:        req.Discount,
		Notes:           req.Notes,
		Payment:         paymentInput(req.Payment),
		Status:          req.Status,
		StatusNote:      req.StatusNote,
	}
}

func paymentInput(p *validation.PaymentRequest) *orderflow.PaymentInput {
	if p == nil {
		return nil
	}
	return &orderflow.PaymentInput{
		Method:       p.Method,
		CashTendered: p.CashTendered,
		Change:       p.Change,
		CardBrand:    p.CardBrand,
		CardNumber:   p.CardNumber,
		CardLast4:    p.CardLast4,
	}
}
