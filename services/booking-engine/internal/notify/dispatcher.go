package notify

import (
	"context"
	"log/slog"
	"time"
)

type DispatcherStore interface {
	DueNotificationIDs(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

// Dispatcher polls for due notifications and feeds them to the sender.
// Failures stay in the table and come back on the next tick, so every poll
// is also the retry loop.
type Dispatcher struct {
	store     DispatcherStore
	sender    *Sender
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

func NewDispatcher(store DispatcherStore, sender *Sender, logger *slog.Logger, pollEvery time.Duration, batchSize int) *Dispatcher {
	if pollEvery <= 0 {
		pollEvery = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		store:     store,
		sender:    sender,
		logger:    logger,
		pollEvery: pollEvery,
		batchSize: batchSize,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	d.logger.Info("notification dispatcher started", "poll_every", d.pollEvery.String())
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	ids, err := d.store.DueNotificationIDs(ctx, time.Now().UTC(), d.batchSize)
	if err != nil {
		d.logger.Error("failed to list due notifications", "err", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := d.sender.Send(ctx, id); err != nil {
			d.logger.Error("notification delivery failed", "notification_id", id, "err", err)
		}
	}
}
