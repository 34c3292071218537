package booking

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
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
	"github.com/careslot/careslot/services/booking-engine/internal/storage/storagetest"
)

// holdErrStore makes the hold lookup fail with an arbitrary error while the
// rest of the transaction behaves normally.
type holdErrStore struct {
	*storagetest.Store
	holdErr error
}

func (s *holdErrStore) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.Store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, holdErrTx{Tx: tx, err: s.holdErr})
	})
}

type holdErrTx struct {
	storage.Tx
	err error
}

func (t holdErrTx) HoldForSlot(context.Context, string) (model.Hold, error) {
	return model.Hold{}, t.err
}

type allowAllGuard struct {
	allowErr  error
	verifyErr error
}

func (g allowAllGuard) Allow(context.Context, string) error  { return g.allowErr }
func (g allowAllGuard) Verify(context.Context, string) error { return g.verifyErr }

type recordingScheduler struct {
	scheduled []model.Appointment
	err       error
}

func (s *recordingScheduler) ScheduleBooking(_ context.Context, appt model.Appointment) error {
	s.scheduled = append(s.scheduled, appt)
	return s.err
}

type failingCalendar struct {
	calendar.Adapter
	createErr error
}

func (c failingCalendar) CreateEvent(ctx context.Context, req calendar.EventRequest) (string, error) {
	if c.createErr != nil {
		return "", c.createErr
	}
	return c.Adapter.CreateEvent(ctx, req)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validRequest(slotID string) Request {
	return Request{
		SlotID:      slotID,
		RequesterID: "req-1",
		ServiceID:   "svc-cleaning",
		Patient: Patient{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
			Phone:     "+49 30 1234567",
		},
		ConsentGiven: true,
		Origin:       "203.0.113.9",
	}
}

func seedHeldSlot(store *storagetest.Store, start time.Time) model.Slot {
	heldUntil := time.Now().UTC().Add(5 * time.Minute)
	slot := model.Slot{
		ID:         "slot-1",
		TenantID:   "tenant-1",
		ProviderID: "prov-1",
		ServiceID:  "svc-cleaning",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
		Status:     model.SlotHeld,
		HeldUntil:  &heldUntil,
	}
	store.Slots[slot.ID] = slot
	store.Holds[slot.ID] = model.Hold{
		SlotID:      slot.ID,
		RequesterID: "req-1",
		ExpiresAt:   heldUntil,
	}
	return slot
}

func TestBookCommitsAppointment(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	seedHeldSlot(store, start)
	sched := &recordingScheduler{}

	tr := NewTransactor(store, calendar.NewMemoryAdapter(), allowAllGuard{}, sched, testLogger())
	res, err := tr.Book(context.Background(), validRequest("slot-1"))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res.AppointmentID == "" || res.ExternalEventID == "" {
		t.Fatalf("expected ids in result, got %+v", res)
	}

	slot := store.Slots["slot-1"]
	if slot.Status != model.SlotBooked {
		t.Fatalf("slot status = %q, want booked", slot.Status)
	}
	if _, ok := store.Holds["slot-1"]; ok {
		t.Fatal("hold should be deleted after commit")
	}

	appt, ok := store.Appointments[res.AppointmentID]
	if !ok {
		t.Fatal("appointment not persisted")
	}
	if appt.TenantID != "tenant-1" || appt.ProviderID != "prov-1" {
		t.Fatalf("appointment inherited wrong slot fields: %+v", appt)
	}
	if appt.Status != model.AppointmentConfirmed {
		t.Fatalf("appointment status = %q", appt.Status)
	}
	if appt.ExternalEventID != res.ExternalEventID {
		t.Fatalf("external event id mismatch: %q vs %q", appt.ExternalEventID, res.ExternalEventID)
	}

	if len(store.Outbox) != 1 || store.Outbox[0].EventType != outbox.EventAppointmentBooked {
		t.Fatalf("expected one booked outbox event, got %+v", store.Outbox)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0].ID != res.AppointmentID {
		t.Fatalf("scheduler not invoked for the appointment: %+v", sched.scheduled)
	}
}

func TestBookRejectsBeforeAnySideEffect(t *testing.T) {
	start := time.Now().UTC().Add(24 * time.Hour)

	cases := []struct {
		name    string
		mutate  func(*Request)
		guard   allowAllGuard
		wantErr error
	}{
		{
			name:    "missing consent",
			mutate:  func(r *Request) { r.ConsentGiven = false },
			wantErr: model.ErrValidation,
		},
		{
			name:    "bad email",
			mutate:  func(r *Request) { r.Patient.Email = "not-an-address" },
			wantErr: model.ErrValidation,
		},
		{
			name:    "bad phone",
			mutate:  func(r *Request) { r.Patient.Phone = "call me maybe" },
			wantErr: model.ErrValidation,
		},
		{
			name:    "rate limited",
			mutate:  func(r *Request) {},
			guard:   allowAllGuard{allowErr: model.ErrRateLimited},
			wantErr: model.ErrRateLimited,
		},
		{
			name:    "verification failed",
			mutate:  func(r *Request) {},
			guard:   allowAllGuard{verifyErr: model.ErrVerificationFailed},
			wantErr: model.ErrVerificationFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storagetest.NewStore()
			seedHeldSlot(store, start)
			sched := &recordingScheduler{}
			tr := NewTransactor(store, calendar.NewMemoryAdapter(), tc.guard, sched, testLogger())

			req := validRequest("slot-1")
			tc.mutate(&req)
			if _, err := tr.Book(context.Background(), req); !errors.Is(err, tc.wantErr) {
				t.Fatalf("Book error = %v, want %v", err, tc.wantErr)
			}
			if store.Slots["slot-1"].Status != model.SlotHeld {
				t.Fatal("rejected booking must not touch the slot")
			}
			if len(sched.scheduled) != 0 {
				t.Fatal("rejected booking must not schedule notifications")
			}
		})
	}
}

func TestBookUnknownSlot(t *testing.T) {
	store := storagetest.NewStore()
	tr := NewTransactor(store, calendar.NewMemoryAdapter(), allowAllGuard{}, &recordingScheduler{}, testLogger())

	if _, err := tr.Book(context.Background(), validRequest("missing")); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Book error = %v, want ErrNotFound", err)
	}
}

func TestBookExpiredHold(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour)
	slot := seedHeldSlot(store, start)

	past := time.Now().UTC().Add(-time.Minute)
	slot.HeldUntil = &past
	store.Slots[slot.ID] = slot

	tr := NewTransactor(store, calendar.NewMemoryAdapter(), allowAllGuard{}, &recordingScheduler{}, testLogger())
	if _, err := tr.Book(context.Background(), validRequest("slot-1")); !errors.Is(err, model.ErrSlotExpiredOrTaken) {
		t.Fatalf("Book error = %v, want ErrSlotExpiredOrTaken", err)
	}
}

func TestBookMissingHoldRow(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour)
	slot := seedHeldSlot(store, start)
	delete(store.Holds, slot.ID)

	tr := NewTransactor(store, calendar.NewMemoryAdapter(), allowAllGuard{}, &recordingScheduler{}, testLogger())
	if _, err := tr.Book(context.Background(), validRequest("slot-1")); !errors.Is(err, model.ErrSlotExpiredOrTaken) {
		t.Fatalf("Book error = %v, want ErrSlotExpiredOrTaken", err)
	}
}

func TestBookHoldLookupFailureIsNotExpiry(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour)
	seedHeldSlot(store, start)

	dbErr := errors.New("connection reset")
	tr := NewTransactor(&holdErrStore{Store: store, holdErr: dbErr},
		calendar.NewMemoryAdapter(), allowAllGuard{}, &recordingScheduler{}, testLogger())

	_, err := tr.Book(context.Background(), validRequest("slot-1"))
	if !errors.Is(err, dbErr) {
		t.Fatalf("Book error = %v, want the database error", err)
	}
	if errors.Is(err, model.ErrSlotExpiredOrTaken) {
		t.Fatal("infrastructure failure must not read as an expired hold")
	}
}

func TestBookRequesterMismatch(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour)
	slot := seedHeldSlot(store, start)

	h := store.Holds[slot.ID]
	h.RequesterID = "someone-else"
	store.Holds[slot.ID] = h

	tr := NewTransactor(store, calendar.NewMemoryAdapter(), allowAllGuard{}, &recordingScheduler{}, testLogger())
	if _, err := tr.Book(context.Background(), validRequest("slot-1")); !errors.Is(err, model.ErrSlotExpiredOrTaken) {
		t.Fatalf("Book error = %v, want ErrSlotExpiredOrTaken", err)
	}
}

func TestBookServiceMismatch(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour)
	seedHeldSlot(store, start)

	req := validRequest("slot-1")
	req.ServiceID = "svc-other"

	tr := NewTransactor(store, calendar.NewMemoryAdapter(), allowAllGuard{}, &recordingScheduler{}, testLogger())
	if _, err := tr.Book(context.Background(), req); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("Book error = %v, want ErrValidation", err)
	}
}

func TestBookCalendarCollision(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	slot := seedHeldSlot(store, start)

	cal := calendar.NewMemoryAdapter()
	// A walk-in the provider typed straight into their calendar.
	cal.AddBusy(slot.ProviderID, start.Add(10*time.Minute), start.Add(20*time.Minute))

	tr := NewTransactor(store, cal, allowAllGuard{}, &recordingScheduler{}, testLogger())
	if _, err := tr.Book(context.Background(), validRequest("slot-1")); !errors.Is(err, model.ErrCollision) {
		t.Fatalf("Book error = %v, want ErrCollision", err)
	}
	if store.Slots["slot-1"].Status != model.SlotHeld {
		t.Fatal("collision must leave the slot held until the TTL frees it")
	}
	if len(store.Outbox) != 0 {
		t.Fatal("collision must not emit events")
	}
}

func TestBookCollisionMarginCatchesAdjacentEvent(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	slot := seedHeldSlot(store, start)

	cal := calendar.NewMemoryAdapter()
	// Ends 30s after the slot starts minus margin, i.e. inside the widened
	// window but outside the raw slot interval.
	cal.AddBusy(slot.ProviderID, start.Add(-2*time.Minute), start.Add(-30*time.Second))

	tr := NewTransactor(store, cal, allowAllGuard{}, &recordingScheduler{}, testLogger())
	if _, err := tr.Book(context.Background(), validRequest("slot-1")); !errors.Is(err, model.ErrCollision) {
		t.Fatalf("Book error = %v, want ErrCollision", err)
	}
}

func TestBookUpstreamFailureLeavesSlotHeld(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour)
	seedHeldSlot(store, start)

	cal := failingCalendar{Adapter: calendar.NewMemoryAdapter(), createErr: errors.New("503 from bridge")}
	sched := &recordingScheduler{}
	tr := NewTransactor(store, cal, allowAllGuard{}, sched, testLogger())

	if _, err := tr.Book(context.Background(), validRequest("slot-1")); !errors.Is(err, model.ErrUpstream) {
		t.Fatalf("Book error = %v, want ErrUpstream", err)
	}
	if store.Slots["slot-1"].Status != model.SlotHeld {
		t.Fatal("upstream failure must leave the hold intact")
	}
	if len(store.Appointments) != 0 || len(store.Outbox) != 0 {
		t.Fatal("upstream failure must not persist anything")
	}
}

func TestBookSchedulerFailureDoesNotUnwind(t *testing.T) {
	store := storagetest.NewStore()
	start := time.Now().UTC().Add(24 * time.Hour)
	seedHeldSlot(store, start)

	sched := &recordingScheduler{err: errors.New("notification db down")}
	tr := NewTransactor(store, calendar.NewMemoryAdapter(), allowAllGuard{}, sched, testLogger())

	res, err := tr.Book(context.Background(), validRequest("slot-1"))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if store.Slots["slot-1"].Status != model.SlotBooked {
		t.Fatal("booking must survive a scheduling failure")
	}
	if _, ok := store.Appointments[res.AppointmentID]; !ok {
		t.Fatal("appointment must survive a scheduling failure")
	}
}
