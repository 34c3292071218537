package cancellation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/calendar"
	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
	"github.com/careslot/careslot/services/booking-engine/internal/storage/storagetest"
)

type recordingScheduler struct {
	scheduled []model.Appointment
}

func (s *recordingScheduler) ScheduleCancellation(_ context.Context, appt model.Appointment) error {
	s.scheduled = append(s.scheduled, appt)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedBooked(store *storagetest.Store, cal *calendar.MemoryAdapter, start time.Time) model.Appointment {
	eventID := cal.AddBusy("prov-1", start, start.Add(30*time.Minute))
	store.Slots["slot-1"] = model.Slot{
		ID:         "slot-1",
		TenantID:   "tenant-1",
		ProviderID: "prov-1",
		ServiceID:  "svc-cleaning",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
		Status:     model.SlotBooked,
	}
	appt := model.Appointment{
		ID:              "appt-1",
		TenantID:        "tenant-1",
		ProviderID:      "prov-1",
		ServiceID:       "svc-cleaning",
		SlotID:          "slot-1",
		StartTime:       start,
		EndTime:         start.Add(30 * time.Minute),
		FirstName:       "Ada",
		LastName:        "Lovelace",
		Email:           "ada@example.com",
		Status:          model.AppointmentConfirmed,
		ExternalEventID: eventID,
	}
	store.Appointments[appt.ID] = appt
	return appt
}

func TestCancelFutureAppointment(t *testing.T) {
	store := storagetest.NewStore()
	cal := calendar.NewMemoryAdapter()
	start := time.Now().UTC().Add(48 * time.Hour)
	appt := seedBooked(store, cal, start)
	sched := &recordingScheduler{}

	m := NewManager(store, cal, sched, testLogger())
	got, err := m.Cancel(context.Background(), "tenant-1", appt.ID, "patient request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.AppointmentCancelled || got.CancelledAt == nil {
		t.Fatalf("appointment not cancelled: %+v", got)
	}
	if got.CancelReason != "patient request" {
		t.Fatalf("reason = %q", got.CancelReason)
	}
	if !cal.Cancelled(appt.ExternalEventID) {
		t.Fatal("external event should be cancelled")
	}
	if store.Slots["slot-1"].Status != model.SlotFree {
		t.Fatal("future slot should return to the pool")
	}
	if len(store.Outbox) != 1 || store.Outbox[0].EventType != outbox.EventAppointmentCancelled {
		t.Fatalf("expected one cancelled outbox event, got %+v", store.Outbox)
	}
	if len(sched.scheduled) != 1 {
		t.Fatal("cancellation notification not scheduled")
	}
}

func TestCancelPastAppointmentKeepsSlotBooked(t *testing.T) {
	store := storagetest.NewStore()
	cal := calendar.NewMemoryAdapter()
	start := time.Now().UTC().Add(-2 * time.Hour)
	appt := seedBooked(store, cal, start)

	m := NewManager(store, cal, &recordingScheduler{}, testLogger())
	if _, err := m.Cancel(context.Background(), "tenant-1", appt.ID, "no-show"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if store.Slots["slot-1"].Status != model.SlotBooked {
		t.Fatal("past slot must stay booked")
	}
}

func TestCancelIsTerminal(t *testing.T) {
	store := storagetest.NewStore()
	cal := calendar.NewMemoryAdapter()
	start := time.Now().UTC().Add(48 * time.Hour)
	appt := seedBooked(store, cal, start)

	m := NewManager(store, cal, &recordingScheduler{}, testLogger())
	if _, err := m.Cancel(context.Background(), "tenant-1", appt.ID, "first"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := m.Cancel(context.Background(), "tenant-1", appt.ID, "second"); !errors.Is(err, model.ErrAlreadyCancelled) {
		t.Fatalf("second Cancel error = %v, want ErrAlreadyCancelled", err)
	}

	completed := store.Appointments[appt.ID]
	completed.ID = "appt-2"
	completed.Status = model.AppointmentCompleted
	completed.CancelledAt = nil
	store.Appointments[completed.ID] = completed
	if _, err := m.Cancel(context.Background(), "tenant-1", completed.ID, "too late"); !errors.Is(err, model.ErrAlreadyCompleted) {
		t.Fatalf("Cancel completed error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestCancelWrongTenant(t *testing.T) {
	store := storagetest.NewStore()
	cal := calendar.NewMemoryAdapter()
	appt := seedBooked(store, cal, time.Now().UTC().Add(48*time.Hour))

	m := NewManager(store, cal, &recordingScheduler{}, testLogger())
	if _, err := m.Cancel(context.Background(), "tenant-other", appt.ID, "x"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Cancel error = %v, want ErrNotFound", err)
	}
	if store.Appointments[appt.ID].Status != model.AppointmentConfirmed {
		t.Fatal("appointment must be untouched")
	}
}

func TestCancelSurvivesCalendarBridgeOutage(t *testing.T) {
	store := storagetest.NewStore()
	cal := calendar.NewMemoryAdapter()
	start := time.Now().UTC().Add(48 * time.Hour)
	appt := seedBooked(store, cal, start)

	// Point at an event id the bridge does not know; CancelEvent fails.
	appt.ExternalEventID = "gone"
	store.Appointments[appt.ID] = appt

	m := NewManager(store, cal, &recordingScheduler{}, testLogger())
	got, err := m.Cancel(context.Background(), "tenant-1", appt.ID, "patient request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.AppointmentCancelled {
		t.Fatal("cancellation must proceed despite bridge failure")
	}
}
