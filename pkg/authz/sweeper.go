package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
)

// Sweeper periodically expires overdue tasks. SweepExpired remains a pure,
// independently callable operation; the sweeper only owns the schedule.
type Sweeper struct {
	service  *Service
	clock    delegation.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(service *Service, clock delegation.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = delegation.WallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, clock: clock, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.service.SweepExpired(ctx, s.clock.Now())
			if err != nil {
				s.logger.Error("expiry sweep finished with errors", "swept", swept, "error", err)
			} else if swept > 0 {
				s.logger.Info("expired tasks swept", "swept", swept)
			}
		}
	}
}
