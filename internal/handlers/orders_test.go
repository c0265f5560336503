package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/payments"
	"github.com/ticketbooth/api/internal/services"
)

type stubAssembler struct {
	createFn func(context.Context, services.CreateOrderCommand) (services.Order, error)
}

func (s *stubAssembler) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubSettlement struct {
	requestFn func(context.Context, string) (services.PaymentRequestResult, error)
	updateFn  func(context.Context, payments.Callback) (services.SettlementResult, error)
	manualFn  func(context.Context, string, string) (services.SettlementResult, error)
}

func (s *stubSettlement) RequestPayment(ctx context.Context, orderID string) (services.PaymentRequestResult, error) {
	if s.requestFn != nil {
		return s.requestFn(ctx, orderID)
	}
	return services.PaymentRequestResult{}, errors.New("not implemented")
}

func (s *stubSettlement) UpdatePayment(ctx context.Context, callback payments.Callback) (services.SettlementResult, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, callback)
	}
	return services.SettlementResult{}, errors.New("not implemented")
}

func (s *stubSettlement) ManualSupport(ctx context.Context, orderID, operator string) (services.SettlementResult, error) {
	if s.manualFn != nil {
		return s.manualFn(ctx, orderID, operator)
	}
	return services.SettlementResult{}, errors.New("not implemented")
}

func newOrderRouter(h *OrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func sampleOrder() services.Order {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return services.Order{
		ID:           "01HZX",
		Name:         "Rahim",
		Email:        "rahim@example.com",
		Phone:        domain.Phone{Number: "01711000000", Promotion: true},
		Organization: "Acme",
		TShirt:       "L",
		Track:        domain.TrackWorkshop,
		Items: []services.OrderLineItem{{
			TicketID: "t-1",
			Title:    "General",
			Price:    decimal.NewFromInt(500),
			Quantity: 2,
		}},
		Subtotal:  decimal.NewFromInt(1000),
		Discount:  decimal.Zero,
		Total:     decimal.NewFromInt(1000),
		Status:    domain.OrderStatusPending,
		Timing:    created.Add(30 * time.Minute),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	var received services.CreateOrderCommand
	handler := NewOrderHandlers(&stubAssembler{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			received = cmd
			return sampleOrder(), nil
		},
	}, nil)

	payload := `{
		"name": "Rahim",
		"email": "rahim@example.com",
		"phone": {"number": "01711000000", "promotion": true},
		"organization": "Acme",
		"tshirt": "L",
		"track": "workshop",
		"workshop": ["w-1"],
		"terms": true,
		"tax": 15.5,
		"cartItems": [{"ticket": "t-1", "quantity": 2}, {"ticketId": "t-2", "quantity": 1}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/orders?coupon=%20EARLY%20", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	newOrderRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.CouponCode != "EARLY" {
		t.Fatalf("expected trimmed coupon, got %q", received.CouponCode)
	}
	if len(received.Items) != 2 || received.Items[0].TicketID != "t-1" || received.Items[1].TicketID != "t-2" {
		t.Fatalf("unexpected cart %+v", received.Items)
	}
	if !received.Tax.Equal(decimal.RequireFromString("15.5")) || !received.ShippingFee.IsZero() {
		t.Fatalf("unexpected charges tax=%s shipping=%s", received.Tax, received.ShippingFee)
	}
	if received.Phone != "01711000000" || !received.Promotion || !received.Terms {
		t.Fatalf("contact fields not mapped: %+v", received)
	}

	body := decodeBody(t, rr)
	if body["success"] != true {
		t.Fatalf("expected success envelope, got %v", body)
	}
	data := body["data"].(map[string]any)
	if data["id"] != "01HZX" || data["status"] != "pending" {
		t.Fatalf("unexpected order payload %v", data)
	}
	if data["total"] != 1000.0 {
		t.Fatalf("expected numeric total, got %v", data["total"])
	}
	items := data["orderItems"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["ticket"] != "t-1" {
		t.Fatalf("unexpected items %v", items)
	}
}

func TestOrderHandlersCreateOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "invalid json", body: "{", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "empty body", body: " ", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "empty cart", body: `{}`, err: fmt.Errorf("%w: cart is empty", services.ErrOrderInvalidInput), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unavailable", body: `{}`, err: fmt.Errorf("%w: ticket General is sold out", services.ErrTicketUnavailable), status: http.StatusBadRequest, code: "ticket_unavailable"},
		{name: "coupon", body: `{}`, err: fmt.Errorf("%w: coupon EARLY expired", services.ErrCouponInvalid), status: http.StatusBadRequest, code: "coupon_invalid"},
		{name: "missing ticket", body: `{}`, err: fmt.Errorf("%w: ticket t-9", services.ErrOrderNotFound), status: http.StatusNotFound, code: "order_not_found"},
		{name: "store down", body: `{}`, err: fmt.Errorf("%w: firestore", services.ErrServiceUnavailable), status: http.StatusServiceUnavailable, code: "service_unavailable"},
		{name: "unexpected", body: `{}`, err: errors.New("boom"), status: http.StatusInternalServerError, code: "order_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewOrderHandlers(&stubAssembler{
				createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}, nil)
			req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()

			newOrderRouter(handler).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if code := decodeBody(t, rr)["error"]; code != tc.code {
				t.Fatalf("expected error code %s, got %v", tc.code, code)
			}
		})
	}
}

func TestOrderHandlersCreateOrderRateLimited(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	handler := NewOrderHandlers(&stubAssembler{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return sampleOrder(), nil
		},
	}, nil, WithCheckoutRateLimit(2, func() time.Time { return now }))
	router := newOrderRouter(handler)

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := send("203.0.113.7:5000"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := send("203.0.113.7:5001")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
	if rr := send("198.51.100.1:5000"); rr.Code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrderMiddlewares(t *testing.T) {
	var wrapped bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = true
			next.ServeHTTP(w, r)
		})
	}
	handler := NewOrderHandlers(&stubAssembler{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return sampleOrder(), nil
		},
	}, &stubSettlement{
		requestFn: func(context.Context, string) (services.PaymentRequestResult, error) {
			return services.PaymentRequestResult{PaymentURL: "https://pay.example/abc"}, nil
		},
	}, WithCreateOrderMiddlewares(mw))
	router := newOrderRouter(handler)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/payment/01HZX", nil))
	if wrapped {
		t.Fatal("create middleware must not wrap payment requests")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`)))
	if !wrapped || rr.Code != http.StatusOK {
		t.Fatalf("expected wrapped create, wrapped=%v status=%d", wrapped, rr.Code)
	}
}

func TestOrderHandlersRequestPayment(t *testing.T) {
	t.Run("gateway url", func(t *testing.T) {
		var gotID string
		handler := NewOrderHandlers(nil, &stubSettlement{
			requestFn: func(_ context.Context, orderID string) (services.PaymentRequestResult, error) {
				gotID = orderID
				return services.PaymentRequestResult{PaymentURL: "https://pay.example/session/1"}, nil
			},
		})
		rr := httptest.NewRecorder()
		newOrderRouter(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/payment/01HZX", nil))

		if rr.Code != http.StatusOK || gotID != "01HZX" {
			t.Fatalf("unexpected status %d id %q", rr.Code, gotID)
		}
		data := decodeBody(t, rr)["data"].(map[string]any)
		if data["payment_url"] != "https://pay.example/session/1" {
			t.Fatalf("unexpected payload %v", data)
		}
	})

	t.Run("free order confirmation", func(t *testing.T) {
		handler := NewOrderHandlers(nil, &stubSettlement{
			requestFn: func(context.Context, string) (services.PaymentRequestResult, error) {
				return services.PaymentRequestResult{Confirmation: "<h1>Thank you</h1>"}, nil
			},
		})
		rr := httptest.NewRecorder()
		newOrderRouter(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/payment/free-1", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Fatalf("expected html, got %s", ct)
		}
		if rr.Body.String() != "<h1>Thank you</h1>" {
			t.Fatalf("unexpected body %q", rr.Body.String())
		}
	})

	errorCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "already paid", err: fmt.Errorf("%w: order is paid", services.ErrOrderAlreadyProcessed), status: http.StatusConflict, code: "order_already_processed"},
		{name: "gateway", err: fmt.Errorf("%w: timeout", services.ErrPaymentGateway), status: http.StatusBadGateway, code: "payment_gateway_error"},
		{name: "seat held", err: fmt.Errorf("%w: ticket General", services.ErrTicketUnavailable), status: http.StatusBadRequest, code: "ticket_unavailable"},
		{name: "missing", err: fmt.Errorf("%w: order x", services.ErrOrderNotFound), status: http.StatusNotFound, code: "order_not_found"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewOrderHandlers(nil, &stubSettlement{
				requestFn: func(context.Context, string) (services.PaymentRequestResult, error) {
					return services.PaymentRequestResult{}, tc.err
				},
			})
			rr := httptest.NewRecorder()
			newOrderRouter(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/payment/01HZX", nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code := decodeBody(t, rr)["error"]; code != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, code)
			}
		})
	}
}

func TestOrderHandlersPaymentUpdate(t *testing.T) {
	form := url.Values{"mer_txnid": {"01HZX"}, "pay_status": {"Successful"}, "pg_txnid": {"PG-1"}}

	cases := []struct {
		name   string
		result services.SettlementResult
		err    error
		status int
		body   string
	}{
		{name: "paid", result: services.SettlementResult{Order: services.Order{Status: domain.OrderStatusPaid}, Confirmation: "<p>confirmed</p>"}, status: http.StatusOK, body: "<p>confirmed</p>"},
		{name: "failed", result: services.SettlementResult{Order: services.Order{Status: domain.OrderStatusFailed}}, status: http.StatusOK, body: "Failed"},
		{name: "replay", err: fmt.Errorf("%w: order 01HZX is paid", services.ErrOrderAlreadyProcessed), status: http.StatusOK, body: "Already processed"},
		{name: "unknown order", err: fmt.Errorf("%w: order 01HZX", services.ErrOrderNotFound), status: http.StatusNotFound, body: "Order not found"},
		{name: "store down", err: errors.New("boom"), status: http.StatusInternalServerError, body: "payment update failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got payments.Callback
			handler := NewOrderHandlers(nil, &stubSettlement{
				updateFn: func(_ context.Context, cb payments.Callback) (services.SettlementResult, error) {
					got = cb
					return tc.result, tc.err
				},
			})
			req := httptest.NewRequest(http.MethodPost, "/orders/payment-update", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rr := httptest.NewRecorder()

			newOrderRouter(handler).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if rr.Body.String() != tc.body {
				t.Fatalf("expected body %q, got %q", tc.body, rr.Body.String())
			}
			if got.TransactionID != "01HZX" || !got.Successful() || got.Payload["pg_txnid"] != "PG-1" {
				t.Fatalf("callback not forwarded: %+v", got)
			}
		})
	}
}

func TestOrderHandlersPaymentUpdateRejectsMissingReference(t *testing.T) {
	called := false
	handler := NewOrderHandlers(nil, &stubSettlement{
		updateFn: func(context.Context, payments.Callback) (services.SettlementResult, error) {
			called = true
			return services.SettlementResult{}, nil
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/orders/payment-update", strings.NewReader(`{"pay_status":"Successful"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	newOrderRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest || called {
		t.Fatalf("expected 400 without settlement, got %d called=%v", rr.Code, called)
	}
}
