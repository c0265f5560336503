package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/payments"
	"github.com/ticketbooth/api/internal/repositories"
)

const (
	eventPaymentRequest   = "settlement.payment_request"
	eventPaymentUpdate    = "settlement.payment_update"
	eventManualSupport    = "settlement.manual_support"
	eventCommitFailed     = "settlement.commit.failed"
	eventCouponClaimError = "settlement.coupon_claim.failed"
	eventFailureNotify    = "settlement.failure_notice.failed"

	outcomeInitiated = "initiated"
	outcomePaid      = "paid"
	outcomeFailed    = "failed"
	outcomeFree      = "free"
	outcomeManual    = "manual"
	outcomeReplay    = "replay"

	paymentInfoSource   = "source"
	paymentInfoOperator = "operator"
)

var (
	settleableStatuses = []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusInitiated}
	// Manual support may rescue a failed order, never one already paid.
	manualStatuses = []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusInitiated, domain.OrderStatusFailed}

	errCouponAlreadyClaimed = errors.New("coupon usage already recorded")
)

// SettlementReconcilerDeps wires the settlement reconciler.
type SettlementReconcilerDeps struct {
	Orders   repositories.OrderRepository
	Ledger   *InventoryLedger
	Gateway  PaymentGateway
	Invoices InvoiceFulfiller
	Events   OrderEventPublisher
	Metrics  Metrics
	Clock    func() time.Time
	Logger   Logger
}

type settlementReconciler struct {
	orders   repositories.OrderRepository
	ledger   *InventoryLedger
	gateway  PaymentGateway
	invoices InvoiceFulfiller
	events   OrderEventPublisher
	metrics  Metrics
	now      func() time.Time
	logger   Logger
}

// NewSettlementReconciler constructs the reconciler.
func NewSettlementReconciler(deps SettlementReconcilerDeps) (SettlementReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("settlement reconciler: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("settlement reconciler: inventory ledger is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("settlement reconciler: payment gateway is required")
	}
	if deps.Invoices == nil {
		return nil, errors.New("settlement reconciler: invoice pipeline is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	var metrics Metrics = noopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	return &settlementReconciler{
		orders:   deps.Orders,
		ledger:   deps.Ledger,
		gateway:  deps.Gateway,
		invoices: deps.Invoices,
		events:   deps.Events,
		metrics:  metrics,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

func (s *settlementReconciler) RequestPayment(ctx context.Context, orderID string) (PaymentRequestResult, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return PaymentRequestResult{}, err
	}
	if order.Status.IsTerminal() {
		return PaymentRequestResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderAlreadyProcessed, order.ID, order.Status)
	}

	for _, demand := range ticketDemand(order.Items) {
		ok, err := s.ledger.CheckCapacity(ctx, demand.TicketID, demand.Quantity, order.ID)
		if err != nil {
			return PaymentRequestResult{}, err
		}
		if !ok {
			return PaymentRequestResult{}, fmt.Errorf("%w: %s is no longer available", ErrTicketUnavailable, demand.Title)
		}
	}

	if err := s.recordCouponUsage(ctx, order); err != nil {
		return PaymentRequestResult{}, err
	}

	if order.IsFree() {
		settled, report, err := s.settle(ctx, order.ID, settleableStatuses, nil)
		if err != nil {
			return PaymentRequestResult{}, err
		}
		s.metrics.Settlement(outcomeFree)
		s.logger(ctx, eventPaymentRequest, map[string]any{"orderId": order.ID, "outcome": outcomeFree})
		return PaymentRequestResult{Order: settled, Confirmation: report.Confirmation, Invoice: report}, nil
	}

	session, err := s.gateway.CreateSession(ctx, payments.SessionRequest{
		OrderID:       order.ID,
		CustomerName:  order.Name,
		CustomerEmail: order.Email,
		CustomerPhone: order.Phone.Number,
		Description:   describeOrder(order),
		Amount:        order.Total,
	})
	if err != nil {
		return PaymentRequestResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	updated, err := s.orders.Transition(ctx, repositories.OrderTransition{
		OrderID:  order.ID,
		Expected: settleableStatuses,
		Now:      s.now(),
		Apply: func(o *domain.Order) error {
			o.Status = domain.OrderStatusInitiated
			o.PaymentURL = session.URL
			return nil
		},
	})
	if err != nil {
		return PaymentRequestResult{}, mapRepositoryError(err)
	}

	s.metrics.Settlement(outcomeInitiated)
	s.logger(ctx, eventPaymentRequest, map[string]any{"orderId": order.ID, "outcome": outcomeInitiated})
	return PaymentRequestResult{Order: updated, PaymentURL: session.URL}, nil
}

func (s *settlementReconciler) UpdatePayment(ctx context.Context, callback payments.Callback) (SettlementResult, error) {
	orderID := strings.TrimSpace(callback.TransactionID)
	if orderID == "" {
		return SettlementResult{}, fmt.Errorf("%w: transaction reference is required", ErrOrderInvalidInput)
	}
	info := make(domain.PaymentInfo, len(callback.Payload))
	for k, v := range callback.Payload {
		info[k] = v
	}

	if !callback.Successful() {
		failed, err := s.orders.Transition(ctx, repositories.OrderTransition{
			OrderID:  orderID,
			Expected: settleableStatuses,
			Now:      s.now(),
			Apply: func(o *domain.Order) error {
				o.Status = domain.OrderStatusFailed
				o.PaymentInfo = info
				return nil
			},
		})
		if err != nil {
			return SettlementResult{}, s.settlementError(err, orderID)
		}
		s.metrics.Settlement(outcomeFailed)
		s.logger(ctx, eventPaymentUpdate, map[string]any{
			"orderId":   orderID,
			"outcome":   outcomeFailed,
			"payStatus": callback.PayStatus,
		})
		if err := s.invoices.NotifyFailure(ctx, failed); err != nil {
			s.logger(ctx, eventFailureNotify, map[string]any{"orderId": orderID, "error": err})
		}
		publishOrderEvent(ctx, s.events, s.logger, orderEventFailed, failed, s.now())
		return SettlementResult{Order: failed}, nil
	}

	settled, report, err := s.settle(ctx, orderID, settleableStatuses, info)
	if err != nil {
		return SettlementResult{}, err
	}
	s.metrics.Settlement(outcomePaid)
	s.logger(ctx, eventPaymentUpdate, map[string]any{"orderId": orderID, "outcome": outcomePaid})
	return SettlementResult{Order: settled, Confirmation: report.Confirmation, Invoice: report}, nil
}

func (s *settlementReconciler) ManualSupport(ctx context.Context, orderID string, operator string) (SettlementResult, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return SettlementResult{}, err
	}
	if order.Status == domain.OrderStatusPaid {
		return SettlementResult{}, fmt.Errorf("%w: order %s is already paid", ErrOrderAlreadyProcessed, order.ID)
	}
	if err := s.recordCouponUsage(ctx, order); err != nil {
		return SettlementResult{}, err
	}

	info := domain.PaymentInfo{paymentInfoSource: "manual-support"}
	if operator = strings.TrimSpace(operator); operator != "" {
		info[paymentInfoOperator] = operator
	}
	settled, report, err := s.settle(ctx, order.ID, manualStatuses, info)
	if err != nil {
		return SettlementResult{}, err
	}
	s.metrics.Settlement(outcomeManual)
	s.logger(ctx, eventManualSupport, map[string]any{"orderId": order.ID, "operator": operator})
	return SettlementResult{Order: settled, Confirmation: report.Confirmation, Invoice: report}, nil
}

// settle flips the order to paid under a status precondition, then commits inventory and runs the
// invoice pipeline. Once the transition succeeds nothing downstream can revert it.
func (s *settlementReconciler) settle(ctx context.Context, orderID string, expected []domain.OrderStatus, info domain.PaymentInfo) (Order, InvoiceReport, error) {
	now := s.now()
	order, err := s.orders.Transition(ctx, repositories.OrderTransition{
		OrderID:  orderID,
		Expected: expected,
		Now:      now,
		Apply: func(o *domain.Order) error {
			o.Status = domain.OrderStatusPaid
			o.PaidAt = &now
			if info != nil {
				o.PaymentInfo = info
			}
			return nil
		},
	})
	if err != nil {
		return Order{}, InvoiceReport{}, s.settlementError(err, orderID)
	}

	for _, demand := range ticketDemand(order.Items) {
		if err := s.ledger.Commit(ctx, demand.TicketID, demand.Quantity); err != nil {
			// The payer has been charged; the oversell is logged for manual follow-up, not reverted.
			s.logger(ctx, eventCommitFailed, map[string]any{
				"orderId":  order.ID,
				"ticketId": demand.TicketID,
				"quantity": demand.Quantity,
				"error":    err,
			})
		}
	}

	report := s.invoices.Fulfill(ctx, order)
	if report.ObjectKey != "" {
		order.Invoice = report.ObjectKey
	}
	publishOrderEvent(ctx, s.events, s.logger, orderEventPaid, order, now)
	return order, report, nil
}

type seatDemand struct {
	TicketID string
	Title    string
	Quantity int64
}

// ticketDemand totals line quantities per ticket so orders stored with repeated lines are
// checked and committed as one amount.
func ticketDemand(items []OrderLineItem) []seatDemand {
	demands := make([]seatDemand, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if i, ok := index[item.TicketID]; ok {
			demands[i].Quantity += item.Quantity
			continue
		}
		index[item.TicketID] = len(demands)
		demands = append(demands, seatDemand{TicketID: item.TicketID, Title: item.Title, Quantity: item.Quantity})
	}
	return demands
}

// recordCouponUsage claims the order's coupon accounting exactly once, then increments the
// coupon per line. Increments are best-effort: an exhausted cap is logged, not fatal.
func (s *settlementReconciler) recordCouponUsage(ctx context.Context, order Order) error {
	if order.CouponID == nil || order.CouponUsageRecorded {
		return nil
	}
	couponID := *order.CouponID

	_, err := s.orders.Transition(ctx, repositories.OrderTransition{
		OrderID:  order.ID,
		Expected: manualStatuses,
		Now:      s.now(),
		Apply: func(o *domain.Order) error {
			if o.CouponUsageRecorded {
				return errCouponAlreadyClaimed
			}
			o.CouponUsageRecorded = true
			return nil
		},
	})
	if errors.Is(err, errCouponAlreadyClaimed) {
		return nil
	}
	if err != nil {
		return s.settlementError(err, order.ID)
	}

	for _, item := range order.Items {
		if item.DiscountPercentage.Sign() <= 0 {
			continue
		}
		if err := s.ledger.RecordCouponUsage(ctx, couponID, item.Quantity); err != nil {
			s.logger(ctx, eventCouponClaimError, map[string]any{
				"orderId":  order.ID,
				"couponId": couponID,
				"error":    err,
			})
		}
	}
	return nil
}

func (s *settlementReconciler) loadOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
		}
		return Order{}, mapRepositoryError(err)
	}
	return order, nil
}

func (s *settlementReconciler) settlementError(err error, orderID string) error {
	if code, ok := repositories.ConstraintCodeOf(err); ok && code == repositories.ConstraintStatusMismatch {
		s.metrics.Settlement(outcomeReplay)
		return fmt.Errorf("%w: order %s", ErrOrderAlreadyProcessed, orderID)
	}
	if isNotFound(err) {
		return fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return mapRepositoryError(err)
}

func describeOrder(order Order) string {
	titles := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		titles = append(titles, fmt.Sprintf("%s x%d", item.Title, item.Quantity))
	}
	return strings.Join(titles, ", ")
}
