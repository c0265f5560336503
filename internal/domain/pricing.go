package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// OrderTotals holds the monetary roll-up frozen onto an order.
type OrderTotals struct {
	Subtotal    decimal.Decimal
	Discount    decimal.Decimal
	Tax         decimal.Decimal
	ShippingFee decimal.Decimal
	Total       decimal.Decimal
}

// LineDiscount computes price * pct/100 * quantity for a single line.
func LineDiscount(price, percentage decimal.Decimal, quantity int64) decimal.Decimal {
	if percentage.Sign() <= 0 || quantity <= 0 {
		return decimal.Zero
	}
	return price.Mul(percentage).Div(hundred).Mul(decimal.NewFromInt(quantity))
}

// PriceOrder totals the line items. The discount is clamped so the total never drops below zero
// and total == tax + shippingFee + subtotal - discount holds exactly.
func PriceOrder(items []OrderLineItem, tax, shippingFee decimal.Decimal) OrderTotals {
	if tax.Sign() < 0 {
		tax = decimal.Zero
	}
	if shippingFee.Sign() < 0 {
		shippingFee = decimal.Zero
	}

	subtotal := decimal.Zero
	discount := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal())
		discount = discount.Add(LineDiscount(item.Price, item.DiscountPercentage, item.Quantity))
	}

	ceiling := subtotal.Add(tax).Add(shippingFee)
	if discount.GreaterThan(ceiling) {
		discount = ceiling
	}

	return OrderTotals{
		Subtotal:    subtotal,
		Discount:    discount,
		Tax:         tax,
		ShippingFee: shippingFee,
		Total:       tax.Add(shippingFee).Add(subtotal).Sub(discount),
	}
}

// Apply copies the totals onto the order.
func (t OrderTotals) Apply(order *Order) {
	if order == nil {
		return
	}
	order.Subtotal = t.Subtotal
	order.Discount = t.Discount
	order.Tax = t.Tax
	order.ShippingFee = t.ShippingFee
	order.Total = t.Total
}
