package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler invokes SyncExpired on a fixed interval for the lifetime of the
// process.
type Scheduler struct {
	svc      *Service
	interval time.Duration
}

func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{svc: svc, interval: interval}
}

// Start blocks, running reconciliation passes until ctx is cancelled. The
// caller owns the goroutine; cancellation between passes stops cleanly.
func (s *Scheduler) Start(ctx context.Context) {
	zap.S().Infof("Starting reconciliation scheduler with %s interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.S().Info("Reconciliation scheduler stopped")
			return
		case <-ticker.C:
			if err := s.svc.SyncExpired(ctx); err != nil && ctx.Err() == nil {
				zap.S().Errorf("Reconciliation pass failed: %v", err)
			}
		}
	}
}
