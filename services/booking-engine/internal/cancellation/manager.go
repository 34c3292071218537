// Package cancellation flips confirmed appointments to cancelled and returns
// their slots to the pool. The appointment row is never deleted.
package cancellation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/calendar"
	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
)

type Store interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

type Scheduler interface {
	ScheduleCancellation(ctx context.Context, appt model.Appointment) error
}

type Manager struct {
	store     Store
	cal       calendar.Adapter
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(store Store, cal calendar.Adapter, scheduler Scheduler, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		cal:       cal,
		scheduler: scheduler,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Cancel marks the appointment cancelled, removes the external calendar
// event and frees the slot if its start is still ahead. The external removal
// and the slot release are best-effort: only the status flip can fail the
// call.
func (m *Manager) Cancel(ctx context.Context, tenantID, appointmentID, reason string) (model.Appointment, error) {
	var appt model.Appointment
	err := m.store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, err = tx.AppointmentForUpdate(ctx, tenantID, appointmentID)
		if err != nil {
			return err
		}
		switch appt.Status {
		case model.AppointmentCancelled:
			return model.ErrAlreadyCancelled
		case model.AppointmentCompleted:
			return model.ErrAlreadyCompleted
		}

		// The local state flip must not depend on the calendar bridge being
		// up. A leftover event is reconciled from the log.
		if appt.ExternalEventID != "" {
			if err := m.cal.CancelEvent(ctx, appt.ExternalEventID); err != nil {
				m.logger.Warn("failed to cancel external calendar event",
					"appointment_id", appt.ID, "external_event_id", appt.ExternalEventID, "err", err)
			}
		}

		cancelledAt, err := tx.MarkAppointmentCancelled(ctx, tenantID, appointmentID, reason)
		if err != nil {
			return err
		}
		appt.Status = model.AppointmentCancelled
		appt.CancelReason = reason
		appt.CancelledAt = &cancelledAt

		payload, err := json.Marshal(map[string]any{
			"appointment_id": appt.ID,
			"tenant_id":      appt.TenantID,
			"provider_id":    appt.ProviderID,
			"slot_id":        appt.SlotID,
			"reason":         reason,
			"cancelled_at":   cancelledAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		return tx.InsertOutboxEvent(ctx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   appt.ID,
			EventType:     outbox.EventAppointmentCancelled,
			Payload:       payload,
		})
	})
	if err != nil {
		return model.Appointment{}, err
	}

	// Past slots stay booked for the record; only future ones go back on
	// sale. Run in its own transaction so a release failure cannot undo the
	// committed cancellation.
	if appt.StartTime.After(m.now()) {
		if err := m.freeSlot(ctx, appt.SlotID); err != nil {
			m.logger.Error("failed to free slot after cancellation",
				"appointment_id", appt.ID, "slot_id", appt.SlotID, "err", err)
		}
	}

	if err := m.scheduler.ScheduleCancellation(ctx, appt); err != nil {
		m.logger.Error("failed to schedule cancellation notification",
			"appointment_id", appt.ID, "err", err)
	}

	m.logger.Info("appointment cancelled", "appointment_id", appt.ID, "reason", reason)
	return appt, nil
}

func (m *Manager) freeSlot(ctx context.Context, slotID string) error {
	return m.store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		slot, err := tx.SlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status != model.SlotBooked {
			return fmt.Errorf("slot %s is %s, not booked", slotID, slot.Status)
		}
		if err := tx.FreeSlot(ctx, slotID); err != nil {
			return err
		}
		return tx.DeleteHold(ctx, slotID)
	})
}
