package services

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/payments"
	"github.com/ticketbooth/api/internal/platform/mail"
)

// Domain aliases keep handler and service signatures short.
type (
	Order             = domain.Order
	OrderStatus       = domain.OrderStatus
	OrderLineItem     = domain.OrderLineItem
	Ticket            = domain.Ticket
	Coupon            = domain.Coupon
	Workshop          = domain.Workshop
	RaffleEntry       = domain.RaffleEntry
	SalesSummary      = domain.SalesSummary
	OrderExportFilter = domain.OrderExportFilter
	AvailabilityLatch = domain.AvailabilityLatch
)

// Logger is the structured event hook every service accepts.
type Logger func(ctx context.Context, event string, fields map[string]any)

// CartItem is one requested ticket and quantity.
type CartItem struct {
	TicketID string
	Quantity int64
}

// CreateOrderCommand carries the checkout form and cart.
type CreateOrderCommand struct {
	Name         string
	Email        string
	Phone        string
	Promotion    bool
	Organization string
	Designation  string
	StudentID    string
	TShirt       string
	Track        string
	WorkshopIDs  []string
	Terms        bool
	Items        []CartItem
	CouponCode   string
	Tax          decimal.Decimal
	ShippingFee  decimal.Decimal
}

// OrderAssembler turns a cart into a priced, persisted pending order.
type OrderAssembler interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
}

// PaymentRequestResult is returned by RequestPayment. Exactly one of PaymentURL or Confirmation is set.
type PaymentRequestResult struct {
	Order        Order
	PaymentURL   string
	Confirmation string
	Invoice      InvoiceReport
}

// SettlementResult describes the outcome of a callback or manual settlement.
type SettlementResult struct {
	Order        Order
	Confirmation string
	Invoice      InvoiceReport
}

// SettlementReconciler drives orders through pending, initiated, paid and failed.
type SettlementReconciler interface {
	RequestPayment(ctx context.Context, orderID string) (PaymentRequestResult, error)
	UpdatePayment(ctx context.Context, callback payments.Callback) (SettlementResult, error)
	ManualSupport(ctx context.Context, orderID string, operator string) (SettlementResult, error)
}

// OrderQueryService serves the admin order reads.
type OrderQueryService interface {
	ListOrders(ctx context.Context, statuses []OrderStatus, pagination domain.Pagination) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	InvoiceURL(ctx context.Context, orderID string) (string, time.Time, error)
}

// ReportService produces admin aggregates and exports.
type ReportService interface {
	Summary(ctx context.Context) (SalesSummary, error)
	ExportCSV(ctx context.Context, w io.Writer, filter OrderExportFilter) (int, error)
	DrawRaffle(ctx context.Context) (RaffleEntry, error)
}

// PaymentGateway abstracts payments.Client for testing.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error)
}

// Mailer sends a composed message.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// InvoiceRenderer writes the billing document for an order to path.
type InvoiceRenderer interface {
	Render(ctx context.Context, order Order, path string) error
}

// InvoiceArchive stores rendered invoices durably.
type InvoiceArchive interface {
	PutFile(ctx context.Context, object, path, contentType string) error
	DownloadURL(ctx context.Context, object string) (string, time.Time, error)
}

// InvoiceFulfiller runs the post-settlement notification pipeline.
type InvoiceFulfiller interface {
	Fulfill(ctx context.Context, order Order) InvoiceReport
	NotifyFailure(ctx context.Context, order Order) error
}

// OrderEvent is published on order lifecycle changes.
type OrderEvent struct {
	Type       string      `json:"type"`
	OrderID    string      `json:"orderId"`
	Status     OrderStatus `json:"status"`
	Total      string      `json:"total"`
	CouponID   string      `json:"couponId,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// OrderEventPublisher delivers order events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// Metrics is satisfied by metrics.Recorder.
type Metrics interface {
	OrderCreated(withCoupon bool)
	Settlement(outcome string)
	SweepCompleted(deleted int, err error)
	InvoiceStageFailed(stage string)
}

type noopMetrics struct{}

func (noopMetrics) OrderCreated(bool)         {}
func (noopMetrics) Settlement(string)         {}
func (noopMetrics) SweepCompleted(int, error) {}
func (noopMetrics) InvoiceStageFailed(string) {}

func noopLogger(context.Context, string, map[string]any) {}
