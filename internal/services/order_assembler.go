package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/repositories"
)

const (
	defaultOrderHold = 30 * time.Minute
	orderIDPrefix    = "ord_"

	minPhoneLength = 11
	maxPhoneLength = 14
	maxFieldLength = 200

	eventOrderCreate     = "order.create"
	eventOrderLatchApply = "order.latch.failed"
	eventOrderPublish    = "order.publish.failed"

	orderEventCreated = "order.created"
	orderEventPaid    = "order.paid"
	orderEventFailed  = "order.failed"
)

// OrderAssemblerDeps wires the order assembler.
type OrderAssemblerDeps struct {
	Orders      repositories.OrderRepository
	Workshops   repositories.WorkshopRepository
	Ledger      *InventoryLedger
	Coupons     *CouponValidator
	Events      OrderEventPublisher
	Metrics     Metrics
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
	Hold        time.Duration
}

type orderAssembler struct {
	orders    repositories.OrderRepository
	workshops repositories.WorkshopRepository
	ledger    *InventoryLedger
	coupons   *CouponValidator
	events    OrderEventPublisher
	metrics   Metrics
	now       func() time.Time
	newID     func() string
	logger    Logger
	hold      time.Duration
	policy    *bluemonday.Policy
}

// NewOrderAssembler constructs the checkout service.
func NewOrderAssembler(deps OrderAssemblerDeps) (OrderAssembler, error) {
	if deps.Orders == nil {
		return nil, errors.New("order assembler: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order assembler: inventory ledger is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("order assembler: coupon validator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	var metrics Metrics = noopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	hold := deps.Hold
	if hold <= 0 {
		hold = defaultOrderHold
	}
	return &orderAssembler{
		orders:    deps.Orders,
		workshops: deps.Workshops,
		ledger:    deps.Ledger,
		coupons:   deps.Coupons,
		events:    deps.Events,
		metrics:   metrics,
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
		hold:      hold,
		policy:    bluemonday.StrictPolicy(),
	}, nil
}

func (s *orderAssembler) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	now := s.now()

	order, err := s.contactFromCommand(cmd)
	if err != nil {
		return Order{}, err
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: cart is empty", ErrOrderInvalidInput)
	}
	if cmd.Tax.Sign() < 0 || cmd.ShippingFee.Sign() < 0 {
		return Order{}, fmt.Errorf("%w: tax and shipping fee must not be negative", ErrOrderInvalidInput)
	}

	items, err := s.priceItems(ctx, cmd.Items, now)
	if err != nil {
		return Order{}, err
	}

	couponCode := strings.TrimSpace(cmd.CouponCode)
	if couponCode != "" {
		couponID, err := s.applyCoupon(ctx, couponCode, items, now)
		if err != nil {
			return Order{}, err
		}
		order.CouponID = &couponID
	}

	if err := s.checkWorkshops(ctx, order.WorkshopIDs); err != nil {
		return Order{}, err
	}

	order.ID = orderIDPrefix + s.newID()
	order.Items = items
	order.Status = domain.OrderStatusPending
	order.Timing = now.Add(s.hold)
	order.CreatedAt = now
	order.UpdatedAt = now
	domain.PriceOrder(items, cmd.Tax, cmd.ShippingFee).Apply(&order)

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, mapRepositoryError(err)
	}

	s.metrics.OrderCreated(order.CouponID != nil)
	s.logger(ctx, eventOrderCreate, map[string]any{
		"orderId": order.ID,
		"items":   len(order.Items),
		"total":   order.Total.String(),
		"coupon":  couponCode != "",
	})
	publishOrderEvent(ctx, s.events, s.logger, orderEventCreated, order, now)
	return order, nil
}

// priceItems snapshots each ticket and rejects unavailable ones, applying their latch first.
// Lines naming the same ticket are merged so capacity is checked against the combined quantity.
func (s *orderAssembler) priceItems(ctx context.Context, cart []CartItem, now time.Time) ([]OrderLineItem, error) {
	merged, err := mergeCart(cart)
	if err != nil {
		return nil, err
	}
	items := make([]OrderLineItem, 0, len(merged))
	for _, entry := range merged {
		ticket, err := s.ledger.LoadTicket(ctx, entry.TicketID)
		if err != nil {
			return nil, err
		}
		if latch := TicketLatch(ticket, entry.Quantity, now); latch != nil {
			s.applyLatch(ctx, *latch)
			return nil, fmt.Errorf("%w: %s is not available", ErrTicketUnavailable, ticket.Title)
		}

		items = append(items, OrderLineItem{
			TicketID: ticket.ID,
			Title:    ticket.Title,
			Price:    ticket.Price,
			Quantity: entry.Quantity,
		})
	}
	return items, nil
}

// mergeCart validates each line and sums quantities per ticket, keeping first-seen order.
func mergeCart(cart []CartItem) ([]CartItem, error) {
	merged := make([]CartItem, 0, len(cart))
	index := make(map[string]int, len(cart))
	for _, entry := range cart {
		ticketID := strings.TrimSpace(entry.TicketID)
		if ticketID == "" {
			return nil, fmt.Errorf("%w: ticket id is required", ErrOrderInvalidInput)
		}
		if entry.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, ticketID)
		}
		if i, ok := index[ticketID]; ok {
			merged[i].Quantity += entry.Quantity
			continue
		}
		index[ticketID] = len(merged)
		merged = append(merged, CartItem{TicketID: ticketID, Quantity: entry.Quantity})
	}
	return merged, nil
}

// applyCoupon validates the coupon per line and stamps its percentage onto each item.
func (s *orderAssembler) applyCoupon(ctx context.Context, code string, items []OrderLineItem, now time.Time) (string, error) {
	var couponID string
	for i := range items {
		verdict, err := s.coupons.Validate(ctx, code, items[i].TicketID, now)
		if err != nil {
			if verdict.Latch != nil {
				s.applyLatch(ctx, *verdict.Latch)
			}
			return "", err
		}
		items[i].DiscountPercentage = verdict.Terms.DiscountPercentage
		couponID = verdict.Terms.CouponID
	}
	return couponID, nil
}

func (s *orderAssembler) checkWorkshops(ctx context.Context, workshopIDs []string) error {
	if len(workshopIDs) == 0 {
		return nil
	}
	if s.workshops == nil {
		return fmt.Errorf("%w: workshops are not offered", ErrOrderInvalidInput)
	}
	workshops, err := s.workshops.FindByIDs(ctx, workshopIDs)
	if err != nil {
		return mapRepositoryError(err)
	}
	byID := make(map[string]Workshop, len(workshops))
	for _, w := range workshops {
		byID[w.ID] = w
	}

	sessions := make(map[domain.SessionTime]string, 2)
	for _, id := range workshopIDs {
		workshop, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: workshop %s", ErrOrderNotFound, id)
		}
		if !workshop.Availability {
			return fmt.Errorf("%w: workshop %s is full", ErrTicketUnavailable, workshop.Title)
		}
		if other, taken := sessions[workshop.SessionTime]; taken {
			return fmt.Errorf("%w: %s and %s run in the same %s session", ErrOrderInvalidInput, other, workshop.Title, workshop.SessionTime)
		}
		sessions[workshop.SessionTime] = workshop.Title

		active, err := s.orders.CountActiveByWorkshop(ctx, id)
		if err != nil {
			return mapRepositoryError(err)
		}
		if active >= workshop.Limit {
			s.applyLatch(ctx, AvailabilityLatch{Kind: domain.LatchWorkshop, ID: id, Reason: "capacity_exceeded"})
			return fmt.Errorf("%w: workshop %s is full", ErrTicketUnavailable, workshop.Title)
		}
	}
	return nil
}

func (s *orderAssembler) applyLatch(ctx context.Context, latch AvailabilityLatch) {
	if err := s.ledger.MarkUnavailable(ctx, latch); err != nil {
		s.logger(ctx, eventOrderLatchApply, map[string]any{
			"kind":  string(latch.Kind),
			"id":    latch.ID,
			"error": err,
		})
	}
}

func (s *orderAssembler) contactFromCommand(cmd CreateOrderCommand) (Order, error) {
	var problems []string
	clean := func(field, value string, required bool) string {
		value = strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(strings.TrimSpace(value))))
		if required && value == "" {
			problems = append(problems, field+" is required")
		}
		if utf8.RuneCountInString(value) > maxFieldLength {
			problems = append(problems, field+" is too long")
		}
		return value
	}

	order := Order{
		Name:         clean("name", cmd.Name, true),
		Organization: clean("organization", cmd.Organization, true),
		Designation:  clean("designation", cmd.Designation, false),
		StudentID:    clean("studentId", cmd.StudentID, false),
		Terms:        cmd.Terms,
	}

	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		problems = append(problems, "email is invalid")
	}
	order.Email = email

	phone := strings.TrimSpace(cmd.Phone)
	if n := len(phone); n < minPhoneLength || n > maxPhoneLength {
		problems = append(problems, fmt.Sprintf("phone must be %d to %d characters", minPhoneLength, maxPhoneLength))
	}
	order.Phone = domain.Phone{Number: phone, Promotion: cmd.Promotion}

	if tshirt := domain.TShirtSize(strings.ToUpper(strings.TrimSpace(cmd.TShirt))); tshirt != "" {
		if !tshirt.Valid() {
			problems = append(problems, "tshirt size is invalid")
		}
		order.TShirt = tshirt
	}

	track := domain.Track(strings.ToLower(strings.TrimSpace(cmd.Track)))
	if !track.Valid() {
		problems = append(problems, "track is invalid")
	}
	order.Track = track

	if !cmd.Terms {
		problems = append(problems, "terms must be accepted")
	}

	seen := make(map[string]struct{}, len(cmd.WorkshopIDs))
	for _, id := range cmd.WorkshopIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		order.WorkshopIDs = append(order.WorkshopIDs, id)
	}

	if len(problems) > 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidInput, strings.Join(problems, "; "))
	}
	return order, nil
}

func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger Logger, eventType string, order Order, now time.Time) {
	if publisher == nil {
		return
	}
	event := OrderEvent{
		Type:       eventType,
		OrderID:    order.ID,
		Status:     order.Status,
		Total:      order.Total.StringFixed(2),
		OccurredAt: now,
	}
	if order.CouponID != nil {
		event.CouponID = *order.CouponID
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, eventOrderPublish, map[string]any{
			"orderId": order.ID,
			"type":    eventType,
			"error":   err,
		})
	}
}
