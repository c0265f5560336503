package repositories

import (
	"context"
	"time"

	"github.com/ticketbooth/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// TicketRepository exposes ticket reads plus the guarded capacity counter.
type TicketRepository interface {
	FindByID(ctx context.Context, ticketID string) (domain.Ticket, error)
	// IncrementBookCount adds qty to bookCount only when the result stays within limit.
	// A rejected increment returns a ConstraintError with ConstraintCapacityExceeded.
	IncrementBookCount(ctx context.Context, ticketID string, qty int64, now time.Time) (domain.Ticket, error)
	MarkUnavailable(ctx context.Context, ticketID string, now time.Time) error
}

// CouponRepository exposes coupon lookups plus the guarded usage counter.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	FindByID(ctx context.Context, couponID string) (domain.Coupon, error)
	// IncrementUsage adds qty to usageCount only when the result stays within limit.
	IncrementUsage(ctx context.Context, couponID string, qty int64, now time.Time) (domain.Coupon, error)
	MarkUnavailable(ctx context.Context, couponID string, now time.Time) error
}

// WorkshopRepository reads workshops referenced by registrations.
type WorkshopRepository interface {
	FindByIDs(ctx context.Context, workshopIDs []string) ([]domain.Workshop, error)
	MarkUnavailable(ctx context.Context, workshopID string) error
}

// RaffleRepository lists raffle-eligible participants.
type RaffleRepository interface {
	List(ctx context.Context) ([]domain.RaffleEntry, error)
}

// OrderTransition describes a status-guarded read-modify-write of a single order.
type OrderTransition struct {
	OrderID string
	// Expected lists the statuses the stored order must be in for Apply to run.
	Expected []domain.OrderStatus
	Apply    func(order *domain.Order) error
	Now      time.Time
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Statuses   []domain.OrderStatus
	Pagination domain.Pagination
}

// ExpiryCursor marks the last order returned by an expired-order listing.
type ExpiryCursor struct {
	Timing  time.Time
	OrderID string
}

// OrderRepository persists order aggregates.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Transition applies the change atomically when the status precondition holds; otherwise it
	// returns a ConstraintError with ConstraintStatusMismatch and leaves the order untouched.
	Transition(ctx context.Context, tr OrderTransition) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Each streams every order in one of the statuses to fn in creation order.
	Each(ctx context.Context, statuses []domain.OrderStatus, fn func(domain.Order) error) error
	// ListExpiredPending returns pending orders with timing <= now ordered by (timing, id),
	// starting after the cursor when one is given.
	ListExpiredPending(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]domain.Order, error)
	// DeleteExpiredPending removes the order only while it is still pending with timing <= now.
	DeleteExpiredPending(ctx context.Context, orderID string, now time.Time) error
	CountActiveByWorkshop(ctx context.Context, workshopID string) (int64, error)
	// SumHeldQuantity totals the seats of ticketID held by initiated orders whose timing is after
	// now, excluding excludeOrderID.
	SumHeldQuantity(ctx context.Context, ticketID, excludeOrderID string, now time.Time) (int64, error)
}
