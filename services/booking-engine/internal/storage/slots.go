package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
)

const slotColumns = `id, tenant_id, provider_id, service_id, start_time, end_time, status, held_until`

func scanSlot(row pgx.Row) (model.Slot, error) {
	var s model.Slot
	var heldUntil *time.Time
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.ProviderID,
		&s.ServiceID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&heldUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Slot{}, model.ErrNotFound
		}
		return model.Slot{}, err
	}
	s.HeldUntil = heldUntil
	return s, nil
}

// UpsertFreeSlots materializes candidate slots for a queried day. Existing
// rows are left untouched so a held or booked slot is never reset by an
// availability query.
func (s *Store) UpsertFreeSlots(ctx context.Context, slots []model.Slot) error {
	for _, slot := range slots {
		_, err := s.db.Exec(ctx, `
			INSERT INTO slots (id, tenant_id, provider_id, service_id, start_time, end_time, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'free')
			ON CONFLICT (id) DO NOTHING
		`, slot.ID, slot.TenantID, slot.ProviderID, slot.ServiceID, slot.StartTime, slot.EndTime)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSlot(ctx context.Context, slotID string) (model.Slot, error) {
	return scanSlot(s.db.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, slotID))
}

// OccupiedSlots returns booked slots and live-held slots overlapping
// [from, to) for the provider/service. Expired holds do not occupy.
func (s *Store) OccupiedSlots(ctx context.Context, tenantID, providerID, serviceID string, from, to, now time.Time) ([]model.Slot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE tenant_id = $1
			AND provider_id = $2
			AND service_id = $3
			AND start_time < $5
			AND end_time > $4
			AND (status = 'booked' OR (status = 'held' AND held_until > $6))
		ORDER BY start_time ASC
	`, tenantID, providerID, serviceID, from, to, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []model.Slot
	for rows.Next() {
		var slot model.Slot
		var heldUntil *time.Time
		if err := rows.Scan(
			&slot.ID,
			&slot.TenantID,
			&slot.ProviderID,
			&slot.ServiceID,
			&slot.StartTime,
			&slot.EndTime,
			&slot.Status,
			&heldUntil,
		); err != nil {
			return nil, err
		}
		slot.HeldUntil = heldUntil
		slots = append(slots, slot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return slots, nil
}

// SweepExpiredHolds resets every held slot whose hold lapsed back to free and
// prunes the matching hold rows. Returns the number of slots released.
func (s *Store) SweepExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	pgtx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	tag, err := pgtx.Exec(ctx, `
		UPDATE slots
		SET status = 'free', held_until = NULL, updated_at = now()
		WHERE status = 'held' AND held_until <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	if _, err := pgtx.Exec(ctx, `
		DELETE FROM holds
		WHERE expires_at <= $1
	`, now); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), pgtx.Commit(ctx)
}

func (t *storeTx) SlotForUpdate(ctx context.Context, slotID string) (model.Slot, error) {
	return scanSlot(t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
		FOR UPDATE
	`, slotID))
}

func (t *storeTx) MarkSlotHeld(ctx context.Context, slotID string, heldUntil time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET status = 'held', held_until = $2, updated_at = now()
		WHERE id = $1
	`, slotID, heldUntil)
	return err
}

func (t *storeTx) MarkSlotBooked(ctx context.Context, slotID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET status = 'booked', held_until = NULL, updated_at = now()
		WHERE id = $1
	`, slotID)
	return err
}

func (t *storeTx) FreeSlot(ctx context.Context, slotID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET status = 'free', held_until = NULL, updated_at = now()
		WHERE id = $1
	`, slotID)
	return err
}

func (t *storeTx) HoldForSlot(ctx context.Context, slotID string) (model.Hold, error) {
	var h model.Hold
	err := t.tx.QueryRow(ctx, `
		SELECT slot_id, requester_id, expires_at, created_at
		FROM holds
		WHERE slot_id = $1
	`, slotID).Scan(&h.SlotID, &h.RequesterID, &h.ExpiresAt, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Hold{}, model.ErrNotFound
		}
		return model.Hold{}, err
	}
	return h, nil
}

func (t *storeTx) UpsertHold(ctx context.Context, hold model.Hold) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO holds (slot_id, requester_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (slot_id) DO UPDATE
		SET requester_id = EXCLUDED.requester_id,
			expires_at = EXCLUDED.expires_at,
			created_at = now()
	`, hold.SlotID, hold.RequesterID, hold.ExpiresAt)
	return err
}

func (t *storeTx) DeleteHold(ctx context.Context, slotID string) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM holds
		WHERE slot_id = $1
	`, slotID)
	return err
}
