package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/repositories"
)

const (
	defaultOrderPageSize = 50
	maxOrderPageSize     = 200
)

// OrderQueryServiceDeps wires the admin order reads.
type OrderQueryServiceDeps struct {
	Orders  repositories.OrderRepository
	Archive InvoiceArchive
}

type orderQueryService struct {
	orders  repositories.OrderRepository
	archive InvoiceArchive
}

// NewOrderQueryService constructs the read service.
func NewOrderQueryService(deps OrderQueryServiceDeps) (OrderQueryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order query service: order repository is required")
	}
	return &orderQueryService{orders: deps.Orders, archive: deps.Archive}, nil
}

func (s *orderQueryService) ListOrders(ctx context.Context, statuses []OrderStatus, pagination domain.Pagination) (domain.CursorPage[Order], error) {
	switch {
	case pagination.PageSize <= 0:
		pagination.PageSize = defaultOrderPageSize
	case pagination.PageSize > maxOrderPageSize:
		pagination.PageSize = maxOrderPageSize
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{Statuses: statuses, Pagination: pagination})
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderQueryService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
		}
		return Order{}, mapRepositoryError(err)
	}
	return order, nil
}

// InvoiceURL signs a short-lived download link for the archived invoice.
func (s *orderQueryService) InvoiceURL(ctx context.Context, orderID string) (string, time.Time, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", time.Time{}, err
	}
	if order.Invoice == "" || s.archive == nil {
		return "", time.Time{}, fmt.Errorf("%w: order %s", ErrInvoiceNotReady, order.ID)
	}
	url, expires, err := s.archive.DownloadURL(ctx, order.Invoice)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: sign invoice url: %v", ErrServiceUnavailable, err)
	}
	return url, expires, nil
}
