// Package hold places and releases short-lived exclusive claims on slots.
package hold

import (
	"context"
	"log/slog"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
)

// Store is the transactional surface the manager needs.
type Store interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

type Manager struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

const DefaultTTL = 10 * time.Minute

func NewManager(store Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Hold claims the slot for the requester and returns the hold deadline.
// Exactly one concurrent caller can win: the slot row is read FOR UPDATE, so
// the store serializes the free→held transition.
func (m *Manager) Hold(ctx context.Context, slotID, requesterID string) (time.Time, error) {
	now := m.now()
	heldUntil := now.Add(m.ttl)

	err := m.store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		slot, err := tx.SlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status == model.SlotBooked || slot.LiveHold(now) {
			return model.ErrSlotUnavailable
		}

		// Free, or held with an expired deadline: the stale claim is simply
		// overwritten, no sweep required.
		if err := tx.MarkSlotHeld(ctx, slotID, heldUntil); err != nil {
			return err
		}
		return tx.UpsertHold(ctx, model.Hold{
			SlotID:      slotID,
			RequesterID: requesterID,
			ExpiresAt:   heldUntil,
		})
	})
	if err != nil {
		return time.Time{}, err
	}

	m.logger.Info("slot held", "slot_id", slotID, "held_until", heldUntil.Format(time.RFC3339))
	return heldUntil, nil
}

// Release unconditionally frees the slot and drops its hold. It is a cleanup
// primitive: releasing an already-free slot is a no-op.
func (m *Manager) Release(ctx context.Context, slotID string) error {
	err := m.store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		slot, err := tx.SlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status == model.SlotFree {
			return nil
		}
		if err := tx.FreeSlot(ctx, slotID); err != nil {
			return err
		}
		return tx.DeleteHold(ctx, slotID)
	})
	if err != nil {
		return err
	}
	m.logger.Info("slot released", "slot_id", slotID)
	return nil
}
