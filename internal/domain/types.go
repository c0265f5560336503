package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination describes cursor based paging inputs shared by list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the settlement lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusInitiated OrderStatus = "initiated"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCanceled  OrderStatus = "canceled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// IsTerminal reports whether no settlement transition may leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusFailed, OrderStatusCanceled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Track selects the conference programme a participant registers for.
type Track string

const (
	TrackPresentationDeck Track = "presentation-deck"
	TrackWorkshop         Track = "workshop"
)

// Valid reports whether the track is one of the supported programmes.
func (t Track) Valid() bool {
	return t == TrackPresentationDeck || t == TrackWorkshop
}

// TShirtSize enumerates the swag sizes collected at registration.
type TShirtSize string

var tshirtSizes = map[TShirtSize]struct{}{
	"S": {}, "M": {}, "L": {}, "XL": {}, "2XL": {},
}

// Valid reports whether the size is offered.
func (s TShirtSize) Valid() bool {
	_, ok := tshirtSizes[s]
	return ok
}

// SessionTime is the half-day slot a workshop runs in.
type SessionTime string

const (
	SessionMorning   SessionTime = "morning"
	SessionAfternoon SessionTime = "afternoon"
)

// Ticket is a purchasable admission product with a fixed capacity.
type Ticket struct {
	ID          string
	Title       string
	Description string
	Price       decimal.Decimal
	TicketType  string
	Limit       int64
	BookCount   int64
	ExpiryDate  time.Time
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Remaining returns the number of seats not yet committed.
func (t Ticket) Remaining() int64 {
	if t.BookCount >= t.Limit {
		return 0
	}
	return t.Limit - t.BookCount
}

// Coupon grants a percentage discount on eligible tickets up to a usage cap.
type Coupon struct {
	ID                 string
	Code               string
	DiscountPercentage decimal.Decimal
	Limit              int64
	UsageCount         int64
	Products           []string
	Description        string
	ExpiryDate         time.Time
	IsAvailable        bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AppliesTo reports whether the coupon lists the ticket as eligible.
func (c Coupon) AppliesTo(ticketID string) bool {
	for _, product := range c.Products {
		if product == ticketID {
			return true
		}
	}
	return false
}

// Workshop is an optional capacity-limited session attached to registrations.
type Workshop struct {
	ID           string
	Title        string
	Description  string
	Limit        int64
	Level        string
	Schedule     string
	SessionTime  SessionTime
	Availability bool
}

// RaffleEntry is a participant record eligible for prize draws.
type RaffleEntry struct {
	ID           string
	Name         string
	Email        string
	Organization string
	Designation  string
}

// Phone captures the contact number and marketing preference.
type Phone struct {
	Number    string
	Promotion bool
}

// OrderLineItem is a priced snapshot of a ticket at checkout time.
type OrderLineItem struct {
	TicketID           string
	Title              string
	Price              decimal.Decimal
	Quantity           int64
	DiscountPercentage decimal.Decimal
}

// LineTotal returns price multiplied by quantity.
func (i OrderLineItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(i.Quantity))
}

// PaymentInfo is the verbatim gateway callback payload kept for audit.
type PaymentInfo map[string]string

// Order is the checkout aggregate. Line items have no identity outside it.
type Order struct {
	ID                  string
	Name                string
	Email               string
	Phone               Phone
	Organization        string
	Designation         string
	StudentID           string
	TShirt              TShirtSize
	Track               Track
	WorkshopIDs         []string
	Terms               bool
	Items               []OrderLineItem
	Subtotal            decimal.Decimal
	Discount            decimal.Decimal
	Tax                 decimal.Decimal
	ShippingFee         decimal.Decimal
	Total               decimal.Decimal
	CouponID            *string
	CouponUsageRecorded bool
	Status              OrderStatus
	PaymentInfo         PaymentInfo
	Timing              time.Time
	Invoice             string
	PaymentURL          string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaidAt              *time.Time
}

// IsFree reports whether the order settles without the payment gateway.
func (o Order) IsFree() bool {
	return o.Total.IsZero()
}

// AvailabilityLatch is a pending transition that flips a ticket, coupon or workshop to unavailable.
// Validation produces it; the caller decides to apply it.
type AvailabilityLatch struct {
	Kind   LatchKind
	ID     string
	Reason string
}

// LatchKind names the aggregate an availability latch targets.
type LatchKind string

const (
	LatchTicket   LatchKind = "ticket"
	LatchCoupon   LatchKind = "coupon"
	LatchWorkshop LatchKind = "workshop"
)

// SalesSummary aggregates paid orders for the admin dashboard.
type SalesSummary struct {
	NumSales   int64
	TotalSales decimal.Decimal
	Discounts  decimal.Decimal
	Revenue    decimal.Decimal
}

// OrderExportFilter narrows the admin CSV export.
type OrderExportFilter struct {
	Status        OrderStatus
	Track         Track
	WorkshopTitle string
}

// OrderExportRow is one participant line in the CSV export.
type OrderExportRow struct {
	OrderID       string
	Name          string
	Email         string
	Mobile        string
	Organization  string
	Designation   string
	TShirt        string
	Track         string
	WorkshopTitle string
}
