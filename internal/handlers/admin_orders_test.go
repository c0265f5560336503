package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/platform/auth"
	"github.com/ticketbooth/api/internal/services"
)

type stubVerifier struct {
	claims map[string]interface{}
	err    error
}

func (s stubVerifier) VerifyIDToken(context.Context, string) (*firebaseauth.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &firebaseauth.Token{UID: "op-1", Claims: s.claims}, nil
}

type stubQueries struct {
	listFn    func(context.Context, []services.OrderStatus, domain.Pagination) (domain.CursorPage[services.Order], error)
	getFn     func(context.Context, string) (services.Order, error)
	invoiceFn func(context.Context, string) (string, time.Time, error)
}

func (s *stubQueries) ListOrders(ctx context.Context, statuses []services.OrderStatus, p domain.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, statuses, p)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubQueries) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubQueries) InvoiceURL(ctx context.Context, orderID string) (string, time.Time, error) {
	if s.invoiceFn != nil {
		return s.invoiceFn(ctx, orderID)
	}
	return "", time.Time{}, errors.New("not implemented")
}

type stubReports struct {
	summaryFn func(context.Context) (services.SalesSummary, error)
	exportFn  func(context.Context, io.Writer, services.OrderExportFilter) (int, error)
	raffleFn  func(context.Context) (services.RaffleEntry, error)
}

func (s *stubReports) Summary(ctx context.Context) (services.SalesSummary, error) {
	return s.summaryFn(ctx)
}

func (s *stubReports) ExportCSV(ctx context.Context, w io.Writer, filter services.OrderExportFilter) (int, error) {
	return s.exportFn(ctx, w, filter)
}

func (s *stubReports) DrawRaffle(ctx context.Context) (services.RaffleEntry, error) {
	return s.raffleFn(ctx)
}

var adminClaims = map[string]interface{}{"admin": true, "email": "ops@example.com"}

func newAdminRouter(h *AdminOrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func adminRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	return req
}

func TestAdminOrderHandlersRequireOperator(t *testing.T) {
	queries := &stubQueries{}
	cases := []struct {
		name   string
		authn  *auth.Authenticator
		header string
		status int
	}{
		{name: "missing token", authn: auth.NewAuthenticator(stubVerifier{claims: adminClaims}), status: http.StatusUnauthorized},
		{name: "no authenticator", authn: nil, header: "Bearer x", status: http.StatusUnauthorized},
		{name: "rejected token", authn: auth.NewAuthenticator(stubVerifier{err: errors.New("bad")}), header: "Bearer x", status: http.StatusUnauthorized},
		{name: "customer role", authn: auth.NewAuthenticator(stubVerifier{claims: map[string]interface{}{"role": "customer"}}), header: "Bearer x", status: http.StatusForbidden},
		{name: "staff", authn: auth.NewAuthenticator(stubVerifier{claims: map[string]interface{}{"role": "staff"}}), header: "Bearer x", status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newAdminRouter(NewAdminOrderHandlers(tc.authn, queries, nil, nil))
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tc.status, rr.Code)
		})
	}
}

func TestAdminOrderHandlersListOrders(t *testing.T) {
	var gotStatuses []services.OrderStatus
	var gotPage domain.Pagination
	queries := &stubQueries{
		listFn: func(_ context.Context, statuses []services.OrderStatus, p domain.Pagination) (domain.CursorPage[services.Order], error) {
			gotStatuses = statuses
			gotPage = p
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder()}, NextPageToken: "next"}, nil
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(auth.NewAuthenticator(stubVerifier{claims: adminClaims}), queries, nil, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders?status=paid,Failed&status=paid&page_size=500&page_token=abc"))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []services.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusFailed}, gotStatuses)
	assert.Equal(t, maxOrderPageSize, gotPage.PageSize)
	assert.Equal(t, "abc", gotPage.PageToken)

	data := decodeBody(t, rr)["data"].(map[string]any)
	assert.Equal(t, "next", data["nextPageToken"])
	assert.Len(t, data["items"], 1)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders?status=shipped"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminOrderHandlersGetOrderAndInvoice(t *testing.T) {
	expires := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	queries := &stubQueries{
		getFn: func(_ context.Context, id string) (services.Order, error) {
			if id != "01HZX" {
				return services.Order{}, fmt.Errorf("%w: order %s", services.ErrOrderNotFound, id)
			}
			return sampleOrder(), nil
		},
		invoiceFn: func(_ context.Context, id string) (string, time.Time, error) {
			if id == "pending-1" {
				return "", time.Time{}, fmt.Errorf("%w: order %s", services.ErrInvoiceNotReady, id)
			}
			return "https://storage.example/signed", expires, nil
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(auth.NewAuthenticator(stubVerifier{claims: adminClaims}), queries, nil, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/01HZX"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "rahim@example.com", decodeBody(t, rr)["data"].(map[string]any)["email"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/missing"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "order_not_found", decodeBody(t, rr)["error"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/01HZX/invoice"))
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]any)
	assert.Equal(t, "https://storage.example/signed", data["url"])
	assert.Equal(t, "2024-05-01T10:15:00Z", data["expiresAt"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/pending-1/invoice"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "invoice_not_ready", decodeBody(t, rr)["error"])
}

func TestAdminOrderHandlersReports(t *testing.T) {
	var gotFilter services.OrderExportFilter
	reports := &stubReports{
		summaryFn: func(context.Context) (services.SalesSummary, error) {
			return services.SalesSummary{
				NumSales:   2,
				TotalSales: decimal.NewFromInt(1500),
				Discounts:  decimal.NewFromInt(100),
				Revenue:    decimal.NewFromInt(1400),
			}, nil
		},
		exportFn: func(_ context.Context, w io.Writer, filter services.OrderExportFilter) (int, error) {
			gotFilter = filter
			_, err := io.WriteString(w, "Order ID,Name\n01HZX,Rahim\n")
			return 1, err
		},
		raffleFn: func(context.Context) (services.RaffleEntry, error) {
			return services.RaffleEntry{ID: "r-1", Name: "Karim", Email: "karim@example.com"}, nil
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(auth.NewAuthenticator(stubVerifier{claims: adminClaims}), nil, reports, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/summary"))
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decodeBody(t, rr)["data"].(map[string]any)
	assert.Equal(t, 2.0, summary["numSales"])
	assert.Equal(t, "1400.00", summary["revenue"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/csv?status=PAID&track=workshop&title=Go%20Basics"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "orders.csv")
	assert.Equal(t, "1", rr.Header().Get("X-Total-Count"))
	assert.Equal(t, "Order ID,Name\n01HZX,Rahim\n", rr.Body.String())
	assert.Equal(t, services.OrderExportFilter{Status: domain.OrderStatusPaid, Track: domain.TrackWorkshop, WorkshopTitle: "Go Basics"}, gotFilter)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/raffle-draw"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Karim", decodeBody(t, rr)["data"].(map[string]any)["name"])
}

func TestAdminOrderHandlersReportErrors(t *testing.T) {
	reports := &stubReports{
		exportFn: func(_ context.Context, w io.Writer, _ services.OrderExportFilter) (int, error) {
			_, _ = io.WriteString(w, "partial")
			return 0, fmt.Errorf("%w: firestore", services.ErrServiceUnavailable)
		},
		raffleFn: func(context.Context) (services.RaffleEntry, error) {
			return services.RaffleEntry{}, services.ErrRaffleEmpty
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(auth.NewAuthenticator(stubVerifier{claims: adminClaims}), nil, reports, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/csv"))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "partial")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/orders/raffle-draw"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "raffle_empty", decodeBody(t, rr)["error"])
}

func TestAdminOrderHandlersManualSupport(t *testing.T) {
	var gotOperator, gotID string
	settlement := &stubSettlement{
		manualFn: func(_ context.Context, orderID, operator string) (services.SettlementResult, error) {
			gotID, gotOperator = orderID, operator
			if orderID == "paid-1" {
				return services.SettlementResult{}, fmt.Errorf("%w: order paid-1 is already paid", services.ErrOrderAlreadyProcessed)
			}
			order := sampleOrder()
			order.Status = domain.OrderStatusPaid
			return services.SettlementResult{Order: order}, nil
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(auth.NewAuthenticator(stubVerifier{claims: adminClaims}), nil, nil, settlement))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPost, "/orders/manual-support/01HZX"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "01HZX", gotID)
	assert.Equal(t, "ops@example.com", gotOperator)
	assert.Equal(t, "paid", decodeBody(t, rr)["data"].(map[string]any)["status"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPost, "/orders/manual-support/paid-1"))
	assert.Equal(t, http.StatusConflict, rr.Code)
}
