// Package storagetest provides an in-memory Store/Tx pair for manager tests.
// It mirrors the transactional contract but not SQL semantics: mutations are
// staged per callback and applied only when the callback returns nil.
package storagetest

import (
	"context"
	"sync"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
)

type Store struct {
	mu           sync.Mutex
	Slots        map[string]model.Slot
	Holds        map[string]model.Hold
	Appointments map[string]model.Appointment
	Outbox       []outbox.Event

	// BeginErr makes Transact fail before the callback runs.
	BeginErr error
}

func NewStore() *Store {
	return &Store{
		Slots:        map[string]model.Slot{},
		Holds:        map[string]model.Hold{},
		Appointments: map[string]model.Appointment{},
	}
}

func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeginErr != nil {
		return s.BeginErr
	}

	tx := &fakeTx{
		slots:        cloneMap(s.Slots),
		holds:        cloneMap(s.Holds),
		appointments: cloneMap(s.Appointments),
		outbox:       append([]outbox.Event(nil), s.Outbox...),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.Slots = tx.slots
	s.Holds = tx.holds
	s.Appointments = tx.appointments
	s.Outbox = tx.outbox
	return nil
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type fakeTx struct {
	slots        map[string]model.Slot
	holds        map[string]model.Hold
	appointments map[string]model.Appointment
	outbox       []outbox.Event
}

func (t *fakeTx) SlotForUpdate(ctx context.Context, slotID string) (model.Slot, error) {
	slot, ok := t.slots[slotID]
	if !ok {
		return model.Slot{}, model.ErrNotFound
	}
	return slot, nil
}

func (t *fakeTx) MarkSlotHeld(ctx context.Context, slotID string, heldUntil time.Time) error {
	slot, ok := t.slots[slotID]
	if !ok {
		return model.ErrNotFound
	}
	slot.Status = model.SlotHeld
	slot.HeldUntil = &heldUntil
	t.slots[slotID] = slot
	return nil
}

func (t *fakeTx) MarkSlotBooked(ctx context.Context, slotID string) error {
	slot, ok := t.slots[slotID]
	if !ok {
		return model.ErrNotFound
	}
	slot.Status = model.SlotBooked
	slot.HeldUntil = nil
	t.slots[slotID] = slot
	return nil
}

func (t *fakeTx) FreeSlot(ctx context.Context, slotID string) error {
	slot, ok := t.slots[slotID]
	if !ok {
		return model.ErrNotFound
	}
	slot.Status = model.SlotFree
	slot.HeldUntil = nil
	t.slots[slotID] = slot
	return nil
}

func (t *fakeTx) HoldForSlot(ctx context.Context, slotID string) (model.Hold, error) {
	h, ok := t.holds[slotID]
	if !ok {
		return model.Hold{}, model.ErrNotFound
	}
	return h, nil
}

func (t *fakeTx) UpsertHold(ctx context.Context, hold model.Hold) error {
	t.holds[hold.SlotID] = hold
	return nil
}

func (t *fakeTx) DeleteHold(ctx context.Context, slotID string) error {
	delete(t.holds, slotID)
	return nil
}

func (t *fakeTx) InsertAppointment(ctx context.Context, appt model.Appointment) error {
	t.appointments[appt.ID] = appt
	return nil
}

func (t *fakeTx) AppointmentForUpdate(ctx context.Context, tenantID, appointmentID string) (model.Appointment, error) {
	appt, ok := t.appointments[appointmentID]
	if !ok || appt.TenantID != tenantID {
		return model.Appointment{}, model.ErrNotFound
	}
	return appt, nil
}

func (t *fakeTx) MarkAppointmentCancelled(ctx context.Context, tenantID, appointmentID, reason string) (time.Time, error) {
	appt, ok := t.appointments[appointmentID]
	if !ok || appt.TenantID != tenantID {
		return time.Time{}, model.ErrNotFound
	}
	now := time.Now().UTC()
	appt.Status = model.AppointmentCancelled
	appt.CancelReason = reason
	appt.CancelledAt = &now
	t.appointments[appointmentID] = appt
	return now, nil
}

func (t *fakeTx) InsertOutboxEvent(ctx context.Context, evt outbox.Event) error {
	t.outbox = append(t.outbox, evt)
	return nil
}
