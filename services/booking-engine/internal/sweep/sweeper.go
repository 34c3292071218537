// Package sweep returns expired holds to the pool. The sweep is a safety
// net: readers and the hold manager already treat an expired hold as free,
// so the worker only reconciles the rows.
package sweep

import (
	"context"
	"log/slog"
	"time"
)

type Store interface {
	SweepExpiredHolds(ctx context.Context, now time.Time) (int64, error)
}

type Sweeper struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration
	onSwept  func(count int64)
}

func New(store Store, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, logger: logger, interval: interval}
}

// OnSwept registers a hook invoked with the number of freed slots per pass.
// Used to feed the metrics counter.
func (s *Sweeper) OnSwept(fn func(count int64)) {
	s.onSwept = fn
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("hold sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("hold sweeper stopped")
			return
		case <-ticker.C:
			swept, err := s.store.SweepExpiredHolds(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("hold sweep failed", "err", err)
				continue
			}
			if swept > 0 {
				s.logger.Info("expired holds swept", "count", swept)
				if s.onSwept != nil {
					s.onSwept(swept)
				}
			}
		}
	}
}
