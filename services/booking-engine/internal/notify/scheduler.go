// Package notify schedules and delivers appointment messages. Scheduling
// writes rows; delivery is a separate idempotent step driven by the
// dispatcher, so a crashed send is retried and a duplicate trigger is a
// no-op.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
)

// ReminderOffsets are subtracted from the appointment start. Reminders that
// would land in the past are skipped at scheduling time.
var ReminderOffsets = []time.Duration{24 * time.Hour, 2 * time.Hour}

type SchedulerStore interface {
	InsertNotifications(ctx context.Context, notifications []model.Notification) error
}

type Scheduler struct {
	store  SchedulerStore
	logger *slog.Logger
	now    func() time.Time
}

func NewScheduler(store SchedulerStore, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleBooking enqueues the confirmation plus one reminder per offset,
// each on the patient's preferred channel. One row per message type: the
// channel fallback happens here, not by fanning out to every channel.
func (s *Scheduler) ScheduleBooking(ctx context.Context, appt model.Appointment) error {
	channel, recipient, ok := preferredChannel(appt)
	if !ok {
		s.logger.Warn("appointment has no reachable contact, skipping notifications", "appointment_id", appt.ID)
		return nil
	}

	now := s.now()
	batch := []model.Notification{{
		AppointmentID: appt.ID,
		Type:          model.NotificationConfirm,
		Channel:       channel,
		Recipient:     recipient,
		ScheduledAt:   now,
	}}
	for _, offset := range ReminderOffsets {
		at := appt.StartTime.Add(-offset)
		if !at.After(now) {
			continue
		}
		batch = append(batch, model.Notification{
			AppointmentID: appt.ID,
			Type:          model.NotificationReminder,
			Channel:       channel,
			Recipient:     recipient,
			ScheduledAt:   at,
		})
	}
	return s.store.InsertNotifications(ctx, batch)
}

// ScheduleCancellation enqueues an immediate cancellation notice.
func (s *Scheduler) ScheduleCancellation(ctx context.Context, appt model.Appointment) error {
	channel, recipient, ok := preferredChannel(appt)
	if !ok {
		return nil
	}
	return s.store.InsertNotifications(ctx, []model.Notification{{
		AppointmentID: appt.ID,
		Type:          model.NotificationCancel,
		Channel:       channel,
		Recipient:     recipient,
		ScheduledAt:   s.now(),
	}})
}

func preferredChannel(appt model.Appointment) (channel, recipient string, ok bool) {
	if appt.Email != "" {
		return model.ChannelEmail, appt.Email, true
	}
	if appt.Phone != "" {
		return model.ChannelSMS, appt.Phone, true
	}
	return "", "", false
}
