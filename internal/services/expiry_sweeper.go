package services

import (
	"context"
	"errors"
	"time"

	"github.com/ticketbooth/api/internal/repositories"
)

const (
	defaultSweepInterval  = 30 * time.Minute
	defaultSweepBatchSize = 100
	maxSweepBatches       = 50

	eventSweepDelete       = "sweeper.delete"
	eventSweepDeleteFailed = "sweeper.delete.failed"
	eventSweepFailed       = "sweeper.run.failed"
	eventSweepDone         = "sweeper.run"
)

// SweepReport counts the outcome of one sweep.
type SweepReport struct {
	Examined int
	Deleted  int
	Failed   int
}

// ExpirySweeperDeps wires the expiry sweeper.
type ExpirySweeperDeps struct {
	Orders    repositories.OrderRepository
	Interval  time.Duration
	BatchSize int
	Metrics   Metrics
	Clock     func() time.Time
	Logger    Logger
}

// ExpirySweeper deletes pending orders whose hold has lapsed.
type ExpirySweeper struct {
	orders    repositories.OrderRepository
	interval  time.Duration
	batchSize int
	metrics   Metrics
	now       func() time.Time
	logger    Logger
}

// NewExpirySweeper constructs the sweeper.
func NewExpirySweeper(deps ExpirySweeperDeps) (*ExpirySweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("expiry sweeper: order repository is required")
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	var metrics Metrics = noopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	return &ExpirySweeper{
		orders:    deps.Orders,
		interval:  interval,
		batchSize: batch,
		metrics:   metrics,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger(ctx, eventSweepFailed, map[string]any{"error": err})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes every pending order with timing <= now, one at a time. A failed delete is
// logged and skipped; the listing resumes after the last order seen so failures never block
// later ones. Only a failure to list aborts the sweep.
func (s *ExpirySweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()
	var cursor *repositories.ExpiryCursor

	for batch := 0; batch < maxSweepBatches; batch++ {
		expired, err := s.orders.ListExpiredPending(ctx, now, cursor, s.batchSize)
		if err != nil {
			s.metrics.SweepCompleted(report.Deleted, err)
			return report, mapRepositoryError(err)
		}

		for _, order := range expired {
			report.Examined++
			if err := s.orders.DeleteExpiredPending(ctx, order.ID, now); err != nil {
				report.Failed++
				s.logger(ctx, eventSweepDeleteFailed, map[string]any{"orderId": order.ID, "error": err})
				continue
			}
			report.Deleted++
			s.logger(ctx, eventSweepDelete, map[string]any{"orderId": order.ID, "timing": order.Timing})
		}

		if len(expired) < s.batchSize {
			break
		}
		last := expired[len(expired)-1]
		cursor = &repositories.ExpiryCursor{Timing: last.Timing, OrderID: last.ID}
	}

	s.metrics.SweepCompleted(report.Deleted, nil)
	s.logger(ctx, eventSweepDone, map[string]any{
		"examined": report.Examined,
		"deleted":  report.Deleted,
		"failed":   report.Failed,
	})
	return report, nil
}
