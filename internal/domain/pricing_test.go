package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestPriceOrderWithoutDiscount(t *testing.T) {
	items := []OrderLineItem{{TicketID: "t1", Price: dec("500"), Quantity: 2}}

	totals := PriceOrder(items, decimal.Zero, decimal.Zero)

	if !totals.Subtotal.Equal(dec("1000")) {
		t.Fatalf("expected subtotal 1000, got %s", totals.Subtotal)
	}
	if !totals.Total.Equal(dec("1000")) {
		t.Fatalf("expected total 1000, got %s", totals.Total)
	}
	if !totals.Discount.IsZero() {
		t.Fatalf("expected zero discount, got %s", totals.Discount)
	}
}

func TestPriceOrderAppliesPercentagePerLine(t *testing.T) {
	items := []OrderLineItem{
		{TicketID: "t1", Price: dec("100"), Quantity: 3, DiscountPercentage: dec("10")},
		{TicketID: "t2", Price: dec("49.99"), Quantity: 1},
	}

	totals := PriceOrder(items, dec("5"), dec("2.50"))

	if !totals.Discount.Equal(dec("30")) {
		t.Fatalf("expected discount 30, got %s", totals.Discount)
	}
	want := dec("5").Add(dec("2.50")).Add(dec("349.99")).Sub(dec("30"))
	if !totals.Total.Equal(want) {
		t.Fatalf("expected total %s, got %s", want, totals.Total)
	}
	if !totals.Total.Equal(totals.Tax.Add(totals.ShippingFee).Add(totals.Subtotal).Sub(totals.Discount)) {
		t.Fatalf("total identity broken: %+v", totals)
	}
}

func TestPriceOrderClampsDiscountAtZeroTotal(t *testing.T) {
	items := []OrderLineItem{{TicketID: "t1", Price: dec("100"), Quantity: 1, DiscountPercentage: dec("150")}}

	totals := PriceOrder(items, dec("10"), decimal.Zero)

	if !totals.Discount.Equal(dec("110")) {
		t.Fatalf("expected discount clamped to 110, got %s", totals.Discount)
	}
	if !totals.Total.IsZero() {
		t.Fatalf("expected zero total, got %s", totals.Total)
	}
}

func TestPriceOrderIgnoresNegativeCharges(t *testing.T) {
	items := []OrderLineItem{{TicketID: "t1", Price: dec("10"), Quantity: 1}}

	totals := PriceOrder(items, dec("-5"), dec("-1"))

	if !totals.Tax.IsZero() || !totals.ShippingFee.IsZero() {
		t.Fatalf("expected negative charges to be dropped, got tax=%s shipping=%s", totals.Tax, totals.ShippingFee)
	}
	if !totals.Total.Equal(dec("10")) {
		t.Fatalf("expected total 10, got %s", totals.Total)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		OrderStatusPending:   false,
		OrderStatusInitiated: false,
		OrderStatusPaid:      true,
		OrderStatusFailed:    true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Fatalf("%s: expected terminal=%v, got %v", status, want, got)
		}
	}
}
