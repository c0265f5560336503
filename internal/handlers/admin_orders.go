package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/platform/auth"
	"github.com/ticketbooth/api/internal/platform/httpx"
	"github.com/ticketbooth/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	csvExportFilename    = "orders.csv"
)

// AdminOrderHandlers serves operator-only order reads, reports and manual settlement.
type AdminOrderHandlers struct {
	authn      *auth.Authenticator
	queries    services.OrderQueryService
	reports    services.ReportService
	settlement services.SettlementReconciler
}

// NewAdminOrderHandlers constructs AdminOrderHandlers. A nil authenticator rejects every request.
func NewAdminOrderHandlers(authn *auth.Authenticator, queries services.OrderQueryService, reports services.ReportService, settlement services.SettlementReconciler) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:      authn,
		queries:    queries,
		reports:    reports,
		settlement: settlement,
	}
}

// Routes registers the admin routes under /orders behind the operator guard.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(admin chi.Router) {
		admin.Use(h.authn.RequireOperator(auth.RoleAdmin, auth.RoleStaff))
		admin.Get("/", h.listOrders)
		admin.Get("/summary", h.summary)
		admin.Get("/csv", h.exportCSV)
		admin.Get("/raffle-draw", h.drawRaffle)
		admin.Post("/manual-support/{orderID}", h.manualSupport)
		admin.Get("/{orderID}", h.getOrder)
		admin.Get("/{orderID}/invoice", h.invoiceURL)
	})
}

type orderListPayload struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	statuses, err := parseStatusFilter(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	pageSize := defaultOrderPageSize
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	page, err := h.queries.ListOrders(ctx, statuses, domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeData(w, http.StatusOK, orderListPayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	order, err := h.queries.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeData(w, http.StatusOK, buildOrderPayload(order))
}

type invoiceURLPayload struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *AdminOrderHandlers) invoiceURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	url, expires, err := h.queries.InvoiceURL(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeData(w, http.StatusOK, invoiceURLPayload{URL: url, ExpiresAt: formatTime(expires)})
}

type summaryPayload struct {
	NumSales   int64  `json:"numSales"`
	TotalSales string `json:"totalSales"`
	Discounts  string `json:"discounts"`
	Revenue    string `json:"revenue"`
}

func (h *AdminOrderHandlers) summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reports == nil {
		httpx.WriteError(ctx, w, httpx.NewError("report_service_unavailable", "report service unavailable", http.StatusServiceUnavailable))
		return
	}
	summary, err := h.reports.Summary(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeData(w, http.StatusOK, summaryPayload{
		NumSales:   summary.NumSales,
		TotalSales: summary.TotalSales.StringFixed(2),
		Discounts:  summary.Discounts.StringFixed(2),
		Revenue:    summary.Revenue.StringFixed(2),
	})
}

// exportCSV buffers the export so a mid-stream failure still produces an error envelope.
func (h *AdminOrderHandlers) exportCSV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reports == nil {
		httpx.WriteError(ctx, w, httpx.NewError("report_service_unavailable", "report service unavailable", http.StatusServiceUnavailable))
		return
	}
	query := r.URL.Query()
	filter := domain.OrderExportFilter{
		Status:        domain.OrderStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		Track:         domain.Track(strings.TrimSpace(query.Get("track"))),
		WorkshopTitle: strings.TrimSpace(query.Get("title")),
	}

	var buf bytes.Buffer
	rows, err := h.reports.ExportCSV(ctx, &buf, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", csvExportFilename))
	w.Header().Set("X-Total-Count", strconv.Itoa(rows))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

type raffleEntryPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Organization string `json:"organization,omitempty"`
	Designation  string `json:"designation,omitempty"`
}

func (h *AdminOrderHandlers) drawRaffle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reports == nil {
		httpx.WriteError(ctx, w, httpx.NewError("report_service_unavailable", "report service unavailable", http.StatusServiceUnavailable))
		return
	}
	entry, err := h.reports.DrawRaffle(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeData(w, http.StatusOK, raffleEntryPayload{
		ID:           entry.ID,
		Name:         entry.Name,
		Email:        entry.Email,
		Organization: entry.Organization,
		Designation:  entry.Designation,
	})
}

func (h *AdminOrderHandlers) manualSupport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	operator := ""
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		operator = firstNonEmpty(identity.Email, identity.UID)
	}
	result, err := h.settlement.ManualSupport(ctx, orderID, operator)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeData(w, http.StatusOK, buildOrderPayload(result.Order))
}

func parseStatusFilter(values []string) ([]domain.OrderStatus, error) {
	var statuses []domain.OrderStatus
	seen := make(map[domain.OrderStatus]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !validStatus(status) {
				return nil, fmt.Errorf("unknown order status %q", part)
			}
			if _, dup := seen[status]; dup {
				continue
			}
			seen[status] = struct{}{}
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

func validStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusInitiated, domain.OrderStatusPaid,
		domain.OrderStatusFailed, domain.OrderStatusCanceled, domain.OrderStatusRefunded:
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
