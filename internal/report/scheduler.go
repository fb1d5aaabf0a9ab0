package report

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/observability"
)

// Refresher periodically recomputes statistics and publishes them to the
// qms_records gauge.
type Refresher struct {
	service *Service
	metrics *observability.Metrics
	logger  *zap.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
	last    Statistics
}

// NewRefresher creates a refresher. It does nothing until Start.
func NewRefresher(service *Service, metrics *observability.Metrics, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		service: service,
		metrics: metrics,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start runs one refresh immediately, then on schedule, a standard five
// field cron expression or a descriptor such as "@every 1m".
func (r *Refresher) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("statistics refresher already running")
	}
	r.running = true
	r.mu.Unlock()

	if _, err := r.cron.AddFunc(schedule, func() { _ = r.Refresh(ctx) }); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("scheduling statistics refresh %q: %w", schedule, err)
	}

	_ = r.Refresh(ctx)
	r.cron.Start()
	r.logger.Info("statistics refresher started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish or ctx
// to expire.
func (r *Refresher) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		r.logger.Warn("statistics refresher did not stop in time")
	}
}

// Refresh computes statistics once and updates the gauges. A failed refresh
// keeps the previous gauge values.
func (r *Refresher) Refresh(ctx context.Context) error {
	stats, err := r.service.Statistics(ctx)
	if err != nil {
		r.logger.Warn("statistics refresh failed", zap.Error(err))
		if r.metrics != nil {
			r.metrics.RecordStatisticsRefresh("error")
		}
		return err
	}

	if r.metrics != nil {
		r.metrics.SetRecordCounts(stats.Counts())
		r.metrics.RecordStatisticsRefresh("success")
	}

	r.mu.Lock()
	r.last = stats
	r.mu.Unlock()

	r.logger.Debug("statistics refreshed",
		zap.Int("open", stats.TotalOpen),
		zap.Int("overdue", stats.Overdue),
	)
	return nil
}

// Last returns the most recent successful refresh.
func (r *Refresher) Last() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
