package firestore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ticketbooth/api/internal/domain"
)

func TestNewOrderDocumentMirrorsTicketIDs(t *testing.T) {
	order := domain.Order{
		ID:     "ord_1",
		Status: domain.OrderStatusInitiated,
		Items: []domain.OrderLineItem{
			{TicketID: "t-1", Price: decimal.RequireFromString("10.25"), Quantity: 1},
			{TicketID: "t-2", Price: decimal.NewFromInt(5), Quantity: 2},
			{TicketID: "t-1", Price: decimal.RequireFromString("10.25"), Quantity: 3},
		},
		Total: decimal.RequireFromString("50.75"),
	}

	doc := newOrderDocument(order)
	if len(doc.TicketIDs) != 2 || doc.TicketIDs[0] != "t-1" || doc.TicketIDs[1] != "t-2" {
		t.Fatalf("unexpected ticket ids %v", doc.TicketIDs)
	}
	if doc.Items[0].Price != "10.25" || doc.Total != "50.75" {
		t.Fatalf("money not stored as decimal strings: %+v", doc)
	}
	if doc.PaidAt != nil {
		t.Fatal("unpaid order must not carry paidAt")
	}
}

func TestParseMoney(t *testing.T) {
	got, err := parseMoney("total", " 12.50 ")
	if err != nil || !got.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("parseMoney = %s, %v", got, err)
	}
	if got, err := parseMoney("total", ""); err != nil || !got.IsZero() {
		t.Fatalf("empty should be zero, got %s, %v", got, err)
	}
	if _, err := parseMoney("total", "twelve"); err == nil {
		t.Fatal("expected error for malformed amount")
	}
}

func TestListTokenRoundTrip(t *testing.T) {
	ts := time.Date(2025, 5, 1, 9, 30, 15, 123, time.UTC)
	token := encodeListToken(ts, "ord_9")
	gotTime, gotID, err := decodeListToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gotTime.Equal(ts) || gotID != "ord_9" {
		t.Fatalf("unexpected decode %s %s", gotTime, gotID)
	}
	if _, _, err := decodeListToken("!!"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
