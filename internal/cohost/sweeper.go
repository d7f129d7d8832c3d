package cohost

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires stale pending requests.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(machine *Machine, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{machine: machine, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 || s.machine.cfg.PendingTTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.machine.ExpireStale(ctx)
	if err != nil {
		s.logger.Error("expire pending requests failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired pending co-host requests", zap.Int("count", n))
	}
}
