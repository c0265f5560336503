package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ticketbooth/api/internal/domain"
)

func TestCreateOrderPricesCartWithoutCoupon(t *testing.T) {
	h := newHarness(t)
	h.addTicket("t-1", 500, 10, 0)

	order, err := h.assembler.CreateOrder(context.Background(), validCommand(CartItem{TicketID: "t-1", Quantity: 2}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if order.ID != "ord_TEST01" {
		t.Fatalf("unexpected id %s", order.ID)
	}
	if !order.Subtotal.Equal(decimal.NewFromInt(1000)) || !order.Total.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected subtotal and total 1000, got %s / %s", order.Subtotal, order.Total)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if !order.Timing.Equal(h.now.Add(30 * time.Minute)) {
		t.Fatalf("expected 30 minute hold, got %s", order.Timing)
	}
	if order.CouponID != nil {
		t.Fatalf("expected no coupon, got %v", *order.CouponID)
	}

	stored, ok := h.store.order(order.ID)
	if !ok || !stored.Total.Equal(order.Total) {
		t.Fatalf("expected order persisted, got %+v", stored)
	}
	if h.store.ticket("t-1").BookCount != 0 {
		t.Fatal("checkout must not commit inventory")
	}
	if got := h.events.types(); len(got) != 1 || got[0] != orderEventCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCreateOrderSnapshotIsFrozen(t *testing.T) {
	h := newHarness(t)
	h.addTicket("t-1", 500, 10, 0)

	order, err := h.assembler.CreateOrder(context.Background(), validCommand(CartItem{TicketID: "t-1", Quantity: 1}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	h.addTicket("t-1", 900, 10, 0)
	stored, _ := h.store.order(order.ID)
	if !stored.Items[0].Price.Equal(decimal.NewFromInt(500)) || !stored.Total.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected frozen price 500, got %s total %s", stored.Items[0].Price, stored.Total)
	}
}

func TestCreateOrderAppliesCouponPerItem(t *testing.T) {
	h := newHarness(t)
	h.addTicket("t-1", 100, 10, 0)
	h.store.putCoupon(domain.Coupon{
		ID:                 "c-1",
		Code:               "EARLY10",
		DiscountPercentage: decimal.NewFromInt(10),
		Limit:              5,
		Products:           []string{"t-1"},
		ExpiryDate:         h.now.Add(24 * time.Hour),
		IsAvailable:        true,
	})

	cmd := validCommand(CartItem{TicketID: "t-1", Quantity: 3})
	cmd.CouponCode = "EARLY10"
	order, err := h.assembler.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if !order.Discount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected discount 30, got %s", order.Discount)
	}
	if !order.Total.Equal(decimal.NewFromInt(270)) {
		t.Fatalf("expected total 270, got %s", order.Total)
	}
	if order.CouponID == nil || *order.CouponID != "c-1" {
		t.Fatalf("expected coupon c-1, got %v", order.CouponID)
	}
	if h.store.coupon("c-1").UsageCount != 0 {
		t.Fatal("checkout must not consume coupon usage")
	}
}

func TestCreateOrderTotalIdentityWithTaxAndShipping(t *testing.T) {
	h := newHarness(t)
	h.addTicket("t-1", 100, 10, 0)
	h.store.putCoupon(domain.Coupon{
		ID: "c-free", Code: "FREE", DiscountPercentage: decimal.NewFromInt(100), Limit: 10,
		Products: []string{"t-1"}, ExpiryDate: h.now.Add(time.Hour), IsAvailable: true,
	})

	cmd := validCommand(CartItem{TicketID: "t-1", Quantity: 2})
	cmd.CouponCode = "FREE"
	cmd.Tax = decimal.RequireFromString("15.50")
	cmd.ShippingFee = decimal.NewFromInt(20)
	order, err := h.assembler.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	want := order.Tax.Add(order.ShippingFee).Add(order.Subtotal).Sub(order.Discount)
	if !order.Total.Equal(want) {
		t.Fatalf("total %s does not equal tax+shipping+subtotal-discount %s", order.Total, want)
	}
	if order.Total.Sign() < 0 {
		t.Fatalf("total must not be negative, got %s", order.Total)
	}
	if !order.Total.Equal(decimal.RequireFromString("35.5")) {
		t.Fatalf("expected only tax and shipping to remain, got %s", order.Total)
	}
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateOrderCommand)
		want   string
	}{
		{name: "empty cart", mutate: func(c *CreateOrderCommand) { c.Items = nil }, want: "cart is empty"},
		{name: "zero quantity", mutate: func(c *CreateOrderCommand) { c.Items = []CartItem{{TicketID: "t-1"}} }, want: "must be positive"},
		{name: "bad email", mutate: func(c *CreateOrderCommand) { c.Email = "not-an-email" }, want: "email is invalid"},
		{name: "short phone", mutate: func(c *CreateOrderCommand) { c.Phone = "0171" }, want: "phone must be"},
		{name: "unknown track", mutate: func(c *CreateOrderCommand) { c.Track = "keynote" }, want: "track is invalid"},
		{name: "terms", mutate: func(c *CreateOrderCommand) { c.Terms = false }, want: "terms must be accepted"},
		{name: "tshirt", mutate: func(c *CreateOrderCommand) { c.TShirt = "XXXL" }, want: "tshirt size is invalid"},
		{name: "missing name", mutate: func(c *CreateOrderCommand) { c.Name = "<b></b>" }, want: "name is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.addTicket("t-1", 100, 10, 0)
			cmd := validCommand(CartItem{TicketID: "t-1", Quantity: 1})
			tc.mutate(&cmd)

			_, err := h.assembler.CreateOrder(context.Background(), cmd)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestCreateOrderSanitisesContactFields(t *testing.T) {
	h := newHarness(t)
	h.addTicket("t-1", 100, 10, 0)
	cmd := validCommand(CartItem{TicketID: "t-1", Quantity: 1})
	cmd.Name = `<script>alert(1)</script>Karim & Sons`
	cmd.Email = " Karim@Example.com "

	order, err := h.assembler.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Name != "Karim & Sons" {
		t.Fatalf("unexpected sanitised name %q", order.Name)
	}
	if order.Email != "karim@example.com" {
		t.Fatalf("unexpected normalised email %q", order.Email)
	}
}

func TestCreateOrderMissingTicket(t *testing.T) {
	h := newHarness(t)
	_, err := h.assembler.CreateOrder(context.Background(), validCommand(CartItem{TicketID: "ghost", Quantity: 1}))
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCreateOrderLatchesUnavailableTicket(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{name: "capacity", setup: func(h *harness) { h.addTicket("t-1", 100, 5, 4) }},
		{name: "expired", setup: func(h *harness) {
			h.addTicket("t-1", 100, 5, 0)
			ticket := h.store.ticket("t-1")
			ticket.ExpiryDate = h.now.Add(-time.Minute)
			h.store.putTicket(ticket)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)

			_, err := h.assembler.CreateOrder(context.Background(), validCommand(CartItem{TicketID: "t-1", Quantity: 2}))
			if !errors.Is(err, ErrTicketUnavailable) {
				t.Fatalf("expected ErrTicketUnavailable, got %v", err)
			}
			if !strings.Contains(err.Error(), "Ticket t-1") {
				t.Fatalf("expected ticket title in error, got %v", err)
			}
			if h.store.ticket("t-1").IsAvailable {
				t.Fatal("expected ticket latched unavailable")
			}
			if len(h.store.orders) != 0 {
				t.Fatal("expected no order persisted")
			}
		})
	}
}

func TestCreateOrderInvalidCouponLatches(t *testing.T) {
	h := newHarness(t)
	h.addTicket("t-1", 100, 10, 0)
	h.store.putCoupon(domain.Coupon{
		ID: "c-1", Code: "USED", DiscountPercentage: decimal.NewFromInt(10), Limit: 2, UsageCount: 2,
		Products: []string{"t-1"}, ExpiryDate: h.now.Add(time.Hour), IsAvailable: true,
	})

	cmd := validCommand(CartItem{TicketID: "t-1", Quantity: 1})
	cmd.CouponCode = "USED"
	_, err := h.assembler.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrCouponInvalid) {
		t.Fatalf("expected ErrCouponInvalid, got %v", err)
	}
	if h.store.coupon("c-1").IsAvailable {
		t.Fatal("expected exhausted coupon latched unavailable")
	}

	cmd.CouponCode = "NOPE"
	_, err = h.assembler.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrCouponInvalid) || !strings.Contains(err.Error(), "NOPE is an invalid coupon") {
		t.Fatalf("expected unknown coupon rejection, got %v", err)
	}
}

func TestCreateOrderWorkshopRules(t *testing.T) {
	h := newHarness(t)
	h.addTicket("t-1", 100, 10, 0)
	h.store.workshops["w-am"] = domain.Workshop{ID: "w-am", Title: "Go Basics", Limit: 1, SessionTime: domain.SessionMorning, Availability: true}
	h.store.workshops["w-am2"] = domain.Workshop{ID: "w-am2", Title: "Rust Intro", Limit: 5, SessionTime: domain.SessionMorning, Availability: true}
	h.store.workshops["w-pm"] = domain.Workshop{ID: "w-pm", Title: "Cloud Run", Limit: 5, SessionTime: domain.SessionAfternoon, Availability: true}

	cmd := validCommand(CartItem{TicketID: "t-1", Quantity: 1})
	cmd.Track = string(domain.TrackWorkshop)

	cmd.WorkshopIDs = []string{"w-am", "w-am2"}
	if _, err := h.assembler.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected same-session rejection, got %v", err)
	}

	cmd.WorkshopIDs = []string{"w-missing"}
	if _, err := h.assembler.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected missing workshop rejection, got %v", err)
	}

	cmd.WorkshopIDs = []string{"w-am", "w-pm"}
	order, err := h.assembler.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if len(order.WorkshopIDs) != 2 {
		t.Fatalf("expected two workshops, got %v", order.WorkshopIDs)
	}

	cmd.WorkshopIDs = []string{"w-am"}
	if _, err := h.assembler.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrTicketUnavailable) {
		t.Fatalf("expected full workshop rejection, got %v", err)
	}
	if h.store.workshops["w-am"].Availability {
		t.Fatal("expected full workshop latched unavailable")
	}
}

func TestCreateOrderCombinesRepeatedTicketLines(t *testing.T) {
	t.Run("over capacity", func(t *testing.T) {
		h := newHarness(t)
		h.addTicket("t-1", 100, 1, 0)

		_, err := h.assembler.CreateOrder(context.Background(), validCommand(
			CartItem{TicketID: "t-1", Quantity: 1},
			CartItem{TicketID: "t-1", Quantity: 1},
		))
		if !errors.Is(err, ErrTicketUnavailable) {
			t.Fatalf("expected ErrTicketUnavailable, got %v", err)
		}
		if h.store.ticket("t-1").IsAvailable {
			t.Fatal("expected ticket latched unavailable")
		}
		if len(h.store.orders) != 0 {
			t.Fatal("expected no order persisted")
		}
	})

	t.Run("within capacity", func(t *testing.T) {
		h := newHarness(t)
		h.addTicket("t-1", 100, 5, 0)
		h.addTicket("t-2", 50, 5, 0)

		order, err := h.assembler.CreateOrder(context.Background(), validCommand(
			CartItem{TicketID: "t-1", Quantity: 1},
			CartItem{TicketID: "t-2", Quantity: 1},
			CartItem{TicketID: " t-1 ", Quantity: 2},
		))
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
		if len(order.Items) != 2 {
			t.Fatalf("expected 2 merged lines, got %+v", order.Items)
		}
		if order.Items[0].TicketID != "t-1" || order.Items[0].Quantity != 3 {
			t.Fatalf("expected t-1 x3 first, got %+v", order.Items[0])
		}
		if !order.Total.Equal(decimal.NewFromInt(350)) {
			t.Fatalf("expected total 350, got %s", order.Total)
		}
	})
}
