package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
)

type fakeStore struct {
	nextID        int64
	notifications map[int64]model.Notification
	appointments  map[string]model.Appointment
	events        []outbox.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: map[int64]model.Notification{},
		appointments:  map[string]model.Appointment{},
	}
}

func (f *fakeStore) InsertNotifications(_ context.Context, batch []model.Notification) error {
	for _, n := range batch {
		f.nextID++
		n.ID = f.nextID
		f.notifications[n.ID] = n
	}
	return nil
}

func (f *fakeStore) GetNotification(_ context.Context, id int64) (model.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return model.Notification{}, model.ErrNotFound
	}
	return n, nil
}

func (f *fakeStore) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) MarkNotificationSent(_ context.Context, id int64, at time.Time) (bool, error) {
	n, ok := f.notifications[id]
	if !ok || n.SentAt != nil {
		return false, nil
	}
	n.SentAt = &at
	f.notifications[id] = n
	return true, nil
}

func (f *fakeStore) RecordNotificationError(_ context.Context, id int64, msg string) error {
	n, ok := f.notifications[id]
	if !ok || n.SentAt != nil {
		return nil
	}
	n.LastError = msg
	f.notifications[id] = n
	return nil
}

func (f *fakeStore) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return fn(ctx, outboxOnlyTx{events: &f.events})
}

// outboxOnlyTx panics on anything but InsertOutboxEvent, which is the only
// method the sender touches inside a transaction.
type outboxOnlyTx struct {
	storage.Tx
	events *[]outbox.Event
}

func (t outboxOnlyTx) InsertOutboxEvent(_ context.Context, evt outbox.Event) error {
	*t.events = append(*t.events, evt)
	return nil
}

type recordingEmail struct {
	sent []string
	err  error
}

func (r *recordingEmail) Send(_ context.Context, to, _, subject, _ string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, to+": "+subject)
	return nil
}

type recordingSMS struct {
	sent []string
}

func (r *recordingSMS) Send(_ context.Context, to, body string) error {
	r.sent = append(r.sent, to)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAppointment(start time.Time) model.Appointment {
	return model.Appointment{
		ID:        "appt-1",
		TenantID:  "tenant-1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "+4930123456",
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Status:    model.AppointmentConfirmed,
	}
}

func countByType(store *fakeStore, typ string) int {
	n := 0
	for _, v := range store.notifications {
		if v.Type == typ {
			n++
		}
	}
	return n
}

func TestScheduleBookingFullSet(t *testing.T) {
	store := newFakeStore()
	s := NewScheduler(store, testLogger())
	appt := testAppointment(time.Now().UTC().Add(72 * time.Hour))

	if err := s.ScheduleBooking(context.Background(), appt); err != nil {
		t.Fatalf("ScheduleBooking: %v", err)
	}
	if got := countByType(store, model.NotificationConfirm); got != 1 {
		t.Fatalf("confirm count = %d, want 1", got)
	}
	if got := countByType(store, model.NotificationReminder); got != 2 {
		t.Fatalf("reminder count = %d, want 2", got)
	}
	for _, n := range store.notifications {
		if n.Channel != model.ChannelEmail || n.Recipient != "ada@example.com" {
			t.Fatalf("expected email channel for every row, got %+v", n)
		}
	}
}

func TestScheduleBookingSkipsPastReminders(t *testing.T) {
	store := newFakeStore()
	s := NewScheduler(store, testLogger())

	// Starts in 3h: the 24h reminder is already in the past, the 2h one is not.
	appt := testAppointment(time.Now().UTC().Add(3 * time.Hour))
	if err := s.ScheduleBooking(context.Background(), appt); err != nil {
		t.Fatalf("ScheduleBooking: %v", err)
	}
	if got := countByType(store, model.NotificationReminder); got != 1 {
		t.Fatalf("reminder count = %d, want 1", got)
	}
}

func TestScheduleBookingSMSFallback(t *testing.T) {
	store := newFakeStore()
	s := NewScheduler(store, testLogger())

	appt := testAppointment(time.Now().UTC().Add(72 * time.Hour))
	appt.Email = ""
	if err := s.ScheduleBooking(context.Background(), appt); err != nil {
		t.Fatalf("ScheduleBooking: %v", err)
	}
	for _, n := range store.notifications {
		if n.Channel != model.ChannelSMS || n.Recipient != appt.Phone {
			t.Fatalf("expected sms fallback, got %+v", n)
		}
	}
}

func TestSendIsIdempotent(t *testing.T) {
	store := newFakeStore()
	appt := testAppointment(time.Now().UTC().Add(72 * time.Hour))
	store.appointments[appt.ID] = appt
	_ = store.InsertNotifications(context.Background(), []model.Notification{{
		AppointmentID: appt.ID,
		Type:          model.NotificationConfirm,
		Channel:       model.ChannelEmail,
		Recipient:     appt.Email,
		ScheduledAt:   time.Now().UTC(),
	}})

	email := &recordingEmail{}
	sender := NewSender(store, email, &recordingSMS{}, testLogger())
	var outcomes []string
	sender.OnResult(func(typ, outcome string) { outcomes = append(outcomes, typ+"/"+outcome) })

	for i := 0; i < 3; i++ {
		if err := sender.Send(context.Background(), 1); err != nil {
			t.Fatalf("Send #%d: %v", i+1, err)
		}
	}
	if len(email.sent) != 1 {
		t.Fatalf("delivered %d times, want exactly once", len(email.sent))
	}
	if len(outcomes) != 1 || outcomes[0] != model.NotificationConfirm+"/sent" {
		t.Fatalf("outcomes = %v, want one confirm/sent", outcomes)
	}
	if store.notifications[1].SentAt == nil {
		t.Fatal("sent_at not stamped")
	}
	if len(store.events) != 1 || store.events[0].EventType != outbox.EventNotificationSent {
		t.Fatalf("expected one sent event, got %+v", store.events)
	}
}

func TestSendFailureStaysRetryable(t *testing.T) {
	store := newFakeStore()
	appt := testAppointment(time.Now().UTC().Add(72 * time.Hour))
	store.appointments[appt.ID] = appt
	_ = store.InsertNotifications(context.Background(), []model.Notification{{
		AppointmentID: appt.ID,
		Type:          model.NotificationReminder,
		Channel:       model.ChannelEmail,
		Recipient:     appt.Email,
		ScheduledAt:   time.Now().UTC(),
	}})

	email := &recordingEmail{err: errors.New("smtp down")}
	sender := NewSender(store, email, &recordingSMS{}, testLogger())
	var outcomes []string
	sender.OnResult(func(typ, outcome string) { outcomes = append(outcomes, typ+"/"+outcome) })

	if err := sender.Send(context.Background(), 1); err == nil {
		t.Fatal("expected delivery error")
	}
	if len(outcomes) != 1 || outcomes[0] != model.NotificationReminder+"/failed" {
		t.Fatalf("outcomes = %v, want one reminder/failed", outcomes)
	}
	n := store.notifications[1]
	if n.SentAt != nil {
		t.Fatal("failed delivery must not stamp sent_at")
	}
	if n.LastError == "" {
		t.Fatal("last error not recorded")
	}
	if len(store.events) != 1 || store.events[0].EventType != outbox.EventNotificationFailed {
		t.Fatalf("expected one failed event, got %+v", store.events)
	}

	// The gateway recovers; the same row goes out on the next attempt.
	email.err = nil
	if err := sender.Send(context.Background(), 1); err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if store.notifications[1].SentAt == nil {
		t.Fatal("retry should deliver and stamp")
	}
}

func TestSendSMSChannel(t *testing.T) {
	store := newFakeStore()
	appt := testAppointment(time.Now().UTC().Add(72 * time.Hour))
	store.appointments[appt.ID] = appt
	_ = store.InsertNotifications(context.Background(), []model.Notification{{
		AppointmentID: appt.ID,
		Type:          model.NotificationCancel,
		Channel:       model.ChannelSMS,
		Recipient:     appt.Phone,
		ScheduledAt:   time.Now().UTC(),
	}})

	sms := &recordingSMS{}
	sender := NewSender(store, &recordingEmail{}, sms, testLogger())
	if err := sender.Send(context.Background(), 1); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sms.sent) != 1 || sms.sent[0] != appt.Phone {
		t.Fatalf("sms not delivered to %s: %+v", appt.Phone, sms.sent)
	}
}
