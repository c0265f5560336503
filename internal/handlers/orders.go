package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/payments"
	"github.com/ticketbooth/api/internal/platform/httpx"
	"github.com/ticketbooth/api/internal/platform/requestctx"
	"github.com/ticketbooth/api/internal/services"
)

const (
	maxCreateOrderBodySize = 32 * 1024
	checkoutRateWindow     = time.Minute
)

// OrderHandlers serves the public checkout endpoints and the gateway callback.
type OrderHandlers struct {
	assembler  services.OrderAssembler
	settlement services.SettlementReconciler
	createMW   []func(http.Handler) http.Handler
	limiter    *windowLimiter
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithCreateOrderMiddlewares wraps POST /orders only, e.g. with idempotent replay.
func WithCreateOrderMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.createMW = append(h.createMW, mw...)
	}
}

// WithCheckoutRateLimit caps order submissions per client address per minute.
func WithCheckoutRateLimit(perMinute int, clock func() time.Time) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.limiter = newWindowLimiter(perMinute, checkoutRateWindow, clock)
	}
}

// NewOrderHandlers constructs OrderHandlers.
func NewOrderHandlers(assembler services.OrderAssembler, settlement services.SettlementReconciler, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{assembler: assembler, settlement: settlement}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the checkout routes under /orders.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := []func(http.Handler) http.Handler{limitByClient(h.limiter)}
	create = append(create, h.createMW...)
	r.With(create...).Post("/", h.createOrder)
	r.Get("/payment/{orderID}", h.requestPayment)
	r.Post("/payment-update", h.paymentUpdate)
}

type createOrderRequest struct {
	Name         string              `json:"name"`
	Email        string              `json:"email"`
	Phone        phonePayload        `json:"phone"`
	Organization string              `json:"organization"`
	Designation  string              `json:"designation"`
	StudentID    string              `json:"studentId"`
	TShirt       string              `json:"tshirt"`
	Track        string              `json:"track"`
	Workshops    []string            `json:"workshop"`
	Terms        bool                `json:"terms"`
	CartItems    []cartItemRequest   `json:"cartItems"`
	Tax          decimal.NullDecimal `json:"tax"`
	ShippingFee  decimal.NullDecimal `json:"shippingFee"`
}

type cartItemRequest struct {
	Ticket   string `json:"ticket"`
	TicketID string `json:"ticketId"`
	Quantity int64  `json:"quantity"`
}

func (req createOrderRequest) toCommand(coupon string) services.CreateOrderCommand {
	items := make([]services.CartItem, 0, len(req.CartItems))
	for _, item := range req.CartItems {
		id := strings.TrimSpace(item.Ticket)
		if id == "" {
			id = strings.TrimSpace(item.TicketID)
		}
		items = append(items, services.CartItem{TicketID: id, Quantity: item.Quantity})
	}
	cmd := services.CreateOrderCommand{
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone.Number,
		Promotion:    req.Phone.Promotion,
		Organization: req.Organization,
		Designation:  req.Designation,
		StudentID:    req.StudentID,
		TShirt:       req.TShirt,
		Track:        req.Track,
		WorkshopIDs:  req.Workshops,
		Terms:        req.Terms,
		Items:        items,
		CouponCode:   strings.TrimSpace(coupon),
	}
	if req.Tax.Valid {
		cmd.Tax = req.Tax.Decimal
	}
	if req.ShippingFee.Valid {
		cmd.ShippingFee = req.ShippingFee.Decimal
	}
	return cmd
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.assembler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCreateOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	order, err := h.assembler.CreateOrder(ctx, req.toCommand(r.URL.Query().Get("coupon")))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeData(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) requestPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}
	ctx = requestctx.WithOrderID(ctx, orderID)

	result, err := h.settlement.RequestPayment(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if result.PaymentURL != "" {
		writeData(w, http.StatusOK, paymentURLPayload{PaymentURL: result.PaymentURL})
		return
	}
	writeHTML(w, http.StatusOK, result.Confirmation)
}

type paymentURLPayload struct {
	PaymentURL string `json:"payment_url"`
}

// paymentUpdate answers the gateway in plain text. Replays of an already settled
// transaction are acknowledged with 200 so the gateway stops retrying.
func (h *OrderHandlers) paymentUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		writeText(w, http.StatusServiceUnavailable, "payment service unavailable")
		return
	}
	callback, err := payments.ParseCallback(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid payment callback")
		return
	}
	ctx = requestctx.WithOrderID(ctx, callback.TransactionID)

	result, err := h.settlement.UpdatePayment(ctx, callback)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrOrderAlreadyProcessed):
		writeText(w, http.StatusOK, "Already processed")
		return
	case errors.Is(err, services.ErrOrderNotFound):
		writeText(w, http.StatusNotFound, "Order not found")
		return
	case errors.Is(err, services.ErrOrderInvalidInput):
		writeText(w, http.StatusBadRequest, "invalid payment callback")
		return
	default:
		requestctx.Logger(ctx).Error("payment update failed", zap.String("orderId", callback.TransactionID), zap.Error(err))
		writeText(w, http.StatusInternalServerError, "payment update failed")
		return
	}

	if result.Confirmation != "" {
		writeHTML(w, http.StatusOK, result.Confirmation)
		return
	}
	if result.Order.Status == domain.OrderStatusPaid {
		writeText(w, http.StatusOK, "Paid")
		return
	}
	writeText(w, http.StatusOK, "Failed")
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrTicketUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("ticket_unavailable", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_invalid", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrInvoiceNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_ready", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrRaffleEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("raffle_empty", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderAlreadyProcessed):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_processed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrServiceUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

type phonePayload struct {
	Number    string `json:"number"`
	Promotion bool   `json:"promotion"`
}

type orderItemPayload struct {
	Ticket             string      `json:"ticket"`
	Title              string      `json:"title"`
	Price              json.Number `json:"price"`
	Quantity           int64       `json:"quantity"`
	DiscountPercentage json.Number `json:"discountPercentage"`
}

type orderPayload struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Email        string             `json:"email"`
	Phone        phonePayload       `json:"phone"`
	Organization string             `json:"organization"`
	Designation  string             `json:"designation,omitempty"`
	StudentID    string             `json:"studentId,omitempty"`
	TShirt       string             `json:"tshirt"`
	Track        string             `json:"track"`
	Workshops    []string           `json:"workshop"`
	OrderItems   []orderItemPayload `json:"orderItems"`
	Subtotal     json.Number        `json:"subtotal"`
	Discount     json.Number        `json:"discount"`
	Tax          json.Number        `json:"tax"`
	ShippingFee  json.Number        `json:"shippingFee"`
	Total        json.Number        `json:"total"`
	Coupon       string             `json:"coupon,omitempty"`
	Status       string             `json:"status"`
	PaymentInfo  map[string]string  `json:"paymentInfo,omitempty"`
	Invoice      string             `json:"invoice,omitempty"`
	Timing       string             `json:"timing"`
	CreatedAt    string             `json:"createdAt"`
	UpdatedAt    string             `json:"updatedAt,omitempty"`
	PaidAt       string             `json:"paidAt,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			Ticket:             item.TicketID,
			Title:              item.Title,
			Price:              amount(item.Price),
			Quantity:           item.Quantity,
			DiscountPercentage: json.Number(item.DiscountPercentage.String()),
		})
	}
	workshops := order.WorkshopIDs
	if workshops == nil {
		workshops = []string{}
	}
	payload := orderPayload{
		ID:           order.ID,
		Name:         order.Name,
		Email:        order.Email,
		Phone:        phonePayload{Number: order.Phone.Number, Promotion: order.Phone.Promotion},
		Organization: order.Organization,
		Designation:  order.Designation,
		StudentID:    order.StudentID,
		TShirt:       string(order.TShirt),
		Track:        string(order.Track),
		Workshops:    workshops,
		OrderItems:   items,
		Subtotal:     amount(order.Subtotal),
		Discount:     amount(order.Discount),
		Tax:          amount(order.Tax),
		ShippingFee:  amount(order.ShippingFee),
		Total:        amount(order.Total),
		Status:       string(order.Status),
		PaymentInfo:  order.PaymentInfo,
		Invoice:      order.Invoice,
		Timing:       formatTime(order.Timing),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
	}
	if order.CouponID != nil {
		payload.Coupon = *order.CouponID
	}
	if order.PaidAt != nil {
		payload.PaidAt = formatTime(*order.PaidAt)
	}
	return payload
}

func amount(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
