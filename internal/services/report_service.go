package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/repositories"
)

var csvHeader = []string{
	"Order ID", "Name", "Email", "Mobile", "Organization", "Designation", "T-Shirt", "Track", "Workshop Title",
}

// ReportServiceDeps wires the admin report service.
type ReportServiceDeps struct {
	Orders    repositories.OrderRepository
	Workshops repositories.WorkshopRepository
	Raffle    repositories.RaffleRepository
	// RandIntN picks a raffle index in [0, n); defaults to math/rand/v2.
	RandIntN func(n int) int
	Logger   Logger
}

type reportService struct {
	orders    repositories.OrderRepository
	workshops repositories.WorkshopRepository
	raffle    repositories.RaffleRepository
	randIntN  func(n int) int
	logger    Logger
}

// NewReportService constructs the report service.
func NewReportService(deps ReportServiceDeps) (ReportService, error) {
	if deps.Orders == nil {
		return nil, errors.New("report service: order repository is required")
	}
	randIntN := deps.RandIntN
	if randIntN == nil {
		randIntN = rand.IntN
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &reportService{
		orders:    deps.Orders,
		workshops: deps.Workshops,
		raffle:    deps.Raffle,
		randIntN:  randIntN,
		logger:    logger,
	}, nil
}

// Summary aggregates paid orders. Revenue is total sales net of discounts.
func (s *reportService) Summary(ctx context.Context) (SalesSummary, error) {
	summary := SalesSummary{
		TotalSales: decimal.Zero,
		Discounts:  decimal.Zero,
		Revenue:    decimal.Zero,
	}
	err := s.orders.Each(ctx, []domain.OrderStatus{domain.OrderStatusPaid}, func(order domain.Order) error {
		summary.NumSales++
		summary.TotalSales = summary.TotalSales.Add(order.Subtotal)
		summary.Discounts = summary.Discounts.Add(order.Discount)
		summary.Revenue = summary.Revenue.Add(order.Total)
		return nil
	})
	if err != nil {
		return SalesSummary{}, mapRepositoryError(err)
	}
	return summary, nil
}

// ExportCSV streams one participant row per matching order and returns the row count.
func (s *reportService) ExportCSV(ctx context.Context, w io.Writer, filter OrderExportFilter) (int, error) {
	status := filter.Status
	if status == "" {
		status = domain.OrderStatusPaid
	}
	title := strings.ToLower(strings.TrimSpace(filter.WorkshopTitle))
	if title != "" && s.workshops == nil {
		return 0, fmt.Errorf("%w: workshop filter is not supported", ErrOrderInvalidInput)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("report: write header: %w", err)
	}

	titles := make(map[string]string)
	rows := 0
	err := s.orders.Each(ctx, []domain.OrderStatus{status}, func(order domain.Order) error {
		if filter.Track != "" && order.Track != filter.Track {
			return nil
		}
		workshopTitles, err := s.workshopTitles(ctx, order.WorkshopIDs, titles)
		if err != nil {
			return err
		}
		if title != "" && !containsFold(workshopTitles, title) {
			return nil
		}
		row := domain.OrderExportRow{
			OrderID:       order.ID,
			Name:          order.Name,
			Email:         order.Email,
			Mobile:        order.Phone.Number,
			Organization:  order.Organization,
			Designation:   order.Designation,
			TShirt:        string(order.TShirt),
			Track:         string(order.Track),
			WorkshopTitle: strings.Join(workshopTitles, "; "),
		}
		rows++
		return writer.Write([]string{
			row.OrderID, spreadsheetSafe(row.Name), spreadsheetSafe(row.Email), spreadsheetSafe(row.Mobile),
			spreadsheetSafe(row.Organization), spreadsheetSafe(row.Designation), row.TShirt, row.Track,
			spreadsheetSafe(row.WorkshopTitle),
		})
	})
	if err != nil {
		return rows, mapRepositoryError(err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return rows, fmt.Errorf("report: flush csv: %w", err)
	}
	return rows, nil
}

// spreadsheetSafe prefixes cells that spreadsheet applications would evaluate as formulas.
func spreadsheetSafe(value string) string {
	if value == "" {
		return value
	}
	switch value[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + value
	}
	return value
}

func (s *reportService) workshopTitles(ctx context.Context, ids []string, cache map[string]string) ([]string, error) {
	if len(ids) == 0 || s.workshops == nil {
		return nil, nil
	}
	var missing []string
	for _, id := range ids {
		if _, ok := cache[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		found, err := s.workshops.FindByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, id := range missing {
			cache[id] = ""
		}
		for _, w := range found {
			cache[w.ID] = w.Title
		}
	}
	titles := make([]string, 0, len(ids))
	for _, id := range ids {
		if t := cache[id]; t != "" {
			titles = append(titles, t)
		}
	}
	return titles, nil
}

// DrawRaffle picks one participant uniformly at random.
func (s *reportService) DrawRaffle(ctx context.Context) (RaffleEntry, error) {
	if s.raffle == nil {
		return RaffleEntry{}, ErrRaffleEmpty
	}
	entries, err := s.raffle.List(ctx)
	if err != nil {
		return RaffleEntry{}, mapRepositoryError(err)
	}
	if len(entries) == 0 {
		return RaffleEntry{}, ErrRaffleEmpty
	}
	winner := entries[s.randIntN(len(entries))]
	s.logger(ctx, "raffle.draw", map[string]any{"entries": len(entries), "winnerId": winner.ID})
	return winner, nil
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.ToLower(v) == target {
			return true
		}
	}
	return false
}
