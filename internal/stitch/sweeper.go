package stitch

import (
	"context"
	"log/slog"
	"time"
)

const sweepBatchSize = 100

// Sweeper periodically reconciles every non-terminal stitch job. Requests
// reconcile on read, but a job nobody polls would otherwise sit queued or
// running forever after a runner death; the sweeper is what guarantees those
// still settle and refund.
type Sweeper struct {
	svc      Service
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(svc Service, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, sweeping once per interval. Start it with
// go Run(ctx); sweep errors are logged, never fatal.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("stitch sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stitch sweeper stopped")
			return
		case <-ticker.C:
			settled, err := s.svc.ReconcileAll(ctx, sweepBatchSize)
			if err != nil {
				s.log.Error("sweep failed", "error", err)
				continue
			}
			if settled > 0 {
				s.log.Info("sweep settled jobs", "count", settled)
			}
		}
	}
}
