package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/repositories"
)

const (
	eventLedgerCommit      = "inventory.commit"
	eventLedgerCommitFail  = "inventory.commit.failed"
	eventLedgerLatch       = "inventory.latch"
	eventLedgerLatchFailed = "inventory.latch.failed"
	eventCouponUsageFailed = "coupon.usage.failed"
)

// InventoryLedgerDeps wires the ledger.
type InventoryLedgerDeps struct {
	Tickets   repositories.TicketRepository
	Coupons   repositories.CouponRepository
	Workshops repositories.WorkshopRepository
	// Holds counts seats held by initiated orders; without it only bookCount is checked.
	Holds  repositories.OrderRepository
	Clock  func() time.Time
	Logger Logger
}

// InventoryLedger owns ticket capacity and coupon usage counters. It holds no locks; every
// increment goes through the repository's guarded transaction.
type InventoryLedger struct {
	tickets   repositories.TicketRepository
	coupons   repositories.CouponRepository
	workshops repositories.WorkshopRepository
	holds     repositories.OrderRepository
	now       func() time.Time
	logger    Logger
}

// NewInventoryLedger constructs the ledger.
func NewInventoryLedger(deps InventoryLedgerDeps) (*InventoryLedger, error) {
	if deps.Tickets == nil {
		return nil, errors.New("inventory ledger: ticket repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("inventory ledger: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &InventoryLedger{
		tickets:   deps.Tickets,
		coupons:   deps.Coupons,
		workshops: deps.Workshops,
		holds:     deps.Holds,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// TicketLatch reports the availability latch for ticket when it cannot take qty more seats.
func TicketLatch(ticket Ticket, qty int64, now time.Time) *AvailabilityLatch {
	reason := ""
	switch {
	case !ticket.IsAvailable:
		reason = "unavailable"
	case !ticket.ExpiryDate.IsZero() && !now.Before(ticket.ExpiryDate):
		reason = "expired"
	case ticket.BookCount+qty > ticket.Limit:
		reason = "capacity_exceeded"
	default:
		return nil
	}
	return &AvailabilityLatch{Kind: domain.LatchTicket, ID: ticket.ID, Reason: reason}
}

// LoadTicket reads a ticket, mapping absence to ErrOrderNotFound.
func (l *InventoryLedger) LoadTicket(ctx context.Context, ticketID string) (Ticket, error) {
	ticket, err := l.tickets.FindByID(ctx, ticketID)
	if err != nil {
		if isNotFound(err) {
			return Ticket{}, fmt.Errorf("%w: ticket %s", ErrOrderNotFound, ticketID)
		}
		return Ticket{}, mapRepositoryError(err)
	}
	return ticket, nil
}

// CheckCapacity reports whether the ticket can still accommodate qty seats on top of committed
// bookings and the seats held by other initiated orders. holderID is the requesting order.
func (l *InventoryLedger) CheckCapacity(ctx context.Context, ticketID string, qty int64, holderID string) (bool, error) {
	ticket, err := l.LoadTicket(ctx, ticketID)
	if err != nil {
		return false, err
	}
	var held int64
	if l.holds != nil {
		held, err = l.holds.SumHeldQuantity(ctx, ticketID, holderID, l.now())
		if err != nil {
			return false, mapRepositoryError(err)
		}
	}
	return ticket.BookCount+held+qty <= ticket.Limit, nil
}

// Commit adds qty to the ticket's bookCount. The repository refuses increments that would pass
// the limit, which surfaces as ErrTicketUnavailable. Callers commit once per settled order.
func (l *InventoryLedger) Commit(ctx context.Context, ticketID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrOrderInvalidInput)
	}
	ticket, err := l.tickets.IncrementBookCount(ctx, ticketID, qty, l.now())
	if err != nil {
		mapped := mapRepositoryError(err)
		l.logger(ctx, eventLedgerCommitFail, map[string]any{
			"ticketId": ticketID,
			"quantity": qty,
			"error":    err,
		})
		return mapped
	}
	l.logger(ctx, eventLedgerCommit, map[string]any{
		"ticketId":  ticketID,
		"quantity":  qty,
		"bookCount": ticket.BookCount,
		"limit":     ticket.Limit,
	})
	if ticket.BookCount >= ticket.Limit {
		_ = l.MarkUnavailable(ctx, AvailabilityLatch{Kind: domain.LatchTicket, ID: ticketID, Reason: "sold_out"})
	}
	return nil
}

// RecordCouponUsage adds qty to the coupon's usageCount when it stays within the limit.
func (l *InventoryLedger) RecordCouponUsage(ctx context.Context, couponID string, qty int64) error {
	if qty <= 0 {
		return nil
	}
	if _, err := l.coupons.IncrementUsage(ctx, couponID, qty, l.now()); err != nil {
		l.logger(ctx, eventCouponUsageFailed, map[string]any{
			"couponId": couponID,
			"quantity": qty,
			"error":    err,
		})
		return mapRepositoryError(err)
	}
	return nil
}

// MarkUnavailable applies an availability latch produced by validation.
func (l *InventoryLedger) MarkUnavailable(ctx context.Context, latch AvailabilityLatch) error {
	var err error
	switch latch.Kind {
	case domain.LatchTicket:
		err = l.tickets.MarkUnavailable(ctx, latch.ID, l.now())
	case domain.LatchCoupon:
		err = l.coupons.MarkUnavailable(ctx, latch.ID, l.now())
	case domain.LatchWorkshop:
		if l.workshops == nil {
			return errors.New("inventory ledger: workshop repository is not configured")
		}
		err = l.workshops.MarkUnavailable(ctx, latch.ID)
	default:
		return fmt.Errorf("inventory ledger: unknown latch kind %q", latch.Kind)
	}
	fields := map[string]any{
		"kind":   string(latch.Kind),
		"id":     latch.ID,
		"reason": latch.Reason,
	}
	if err != nil {
		fields["error"] = err
		l.logger(ctx, eventLedgerLatchFailed, fields)
		return mapRepositoryError(err)
	}
	l.logger(ctx, eventLedgerLatch, fields)
	return nil
}
