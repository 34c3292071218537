package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
)

type SenderStore interface {
	GetNotification(ctx context.Context, notificationID int64) (model.Notification, error)
	GetAppointment(ctx context.Context, appointmentID string) (model.Appointment, error)
	MarkNotificationSent(ctx context.Context, notificationID int64, at time.Time) (bool, error)
	RecordNotificationError(ctx context.Context, notificationID int64, message string) error
	Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

// Sender delivers one notification at a time. Send is safe to call any
// number of times for the same id: the sent_at stamp is checked before
// dispatch and written with a compare-and-set, so only one delivery ever
// goes out.
type Sender struct {
	store    SenderStore
	email    EmailSender
	sms      SMSSender
	logger   *slog.Logger
	now      func() time.Time
	onResult func(notificationType, outcome string)
}

func NewSender(store SenderStore, email EmailSender, sms SMSSender, logger *slog.Logger) *Sender {
	return &Sender{
		store:  store,
		email:  email,
		sms:    sms,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnResult registers a hook invoked once per delivery outcome ("sent" or
// "failed"). Used to feed the metrics counter; a lost sent-stamp race counts
// as neither.
func (s *Sender) OnResult(fn func(notificationType, outcome string)) {
	s.onResult = fn
}

func (s *Sender) reportResult(notificationType, outcome string) {
	if s.onResult != nil {
		s.onResult(notificationType, outcome)
	}
}

func (s *Sender) Send(ctx context.Context, notificationID int64) error {
	n, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.SentAt != nil {
		return nil
	}

	appt, err := s.store.GetAppointment(ctx, n.AppointmentID)
	if err != nil {
		return err
	}
	subject, body := render(n.Type, appt)

	if err := s.dispatch(ctx, n, appt, subject, body); err != nil {
		if recErr := s.store.RecordNotificationError(ctx, n.ID, err.Error()); recErr != nil {
			s.logger.Error("failed to record notification error", "notification_id", n.ID, "err", recErr)
		}
		s.emitEvent(ctx, outbox.EventNotificationFailed, n, err.Error())
		s.reportResult(n.Type, "failed")
		return err
	}

	won, err := s.store.MarkNotificationSent(ctx, n.ID, s.now())
	if err != nil {
		return err
	}
	if !won {
		// A concurrent sender delivered first. The duplicate dispatch already
		// happened; all we can do is not double-count it.
		s.logger.Warn("lost sent-stamp race", "notification_id", n.ID)
		return nil
	}

	s.emitEvent(ctx, outbox.EventNotificationSent, n, "")
	s.reportResult(n.Type, "sent")
	s.logger.Info("notification sent",
		"notification_id", n.ID,
		"appointment_id", n.AppointmentID,
		"type", n.Type,
		"channel", n.Channel,
	)
	return nil
}

func (s *Sender) dispatch(ctx context.Context, n model.Notification, appt model.Appointment, subject, body string) error {
	switch n.Channel {
	case model.ChannelEmail:
		return s.email.Send(ctx, n.Recipient, appt.FirstName+" "+appt.LastName, subject, body)
	case model.ChannelSMS:
		return s.sms.Send(ctx, n.Recipient, body)
	default:
		return fmt.Errorf("unknown channel %q", n.Channel)
	}
}

func (s *Sender) emitEvent(ctx context.Context, eventType string, n model.Notification, errMsg string) {
	payload, err := json.Marshal(map[string]any{
		"notification_id": n.ID,
		"appointment_id":  n.AppointmentID,
		"type":            n.Type,
		"channel":         n.Channel,
		"error":           errMsg,
	})
	if err != nil {
		return
	}
	err = s.store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertOutboxEvent(ctx, outbox.Event{
			AggregateType: "notification",
			AggregateID:   n.AppointmentID,
			EventType:     eventType,
			Payload:       payload,
		})
	})
	if err != nil {
		s.logger.Error("failed to emit notification event", "notification_id", n.ID, "err", err)
	}
}

func render(notificationType string, appt model.Appointment) (subject, body string) {
	when := appt.StartTime.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	switch notificationType {
	case model.NotificationConfirm:
		return "Your appointment is confirmed",
			fmt.Sprintf("Hi %s, your appointment on %s is confirmed. Reference: %s.",
				appt.FirstName, when, appt.ID)
	case model.NotificationReminder:
		return "Appointment reminder",
			fmt.Sprintf("Hi %s, this is a reminder for your appointment on %s.",
				appt.FirstName, when)
	case model.NotificationCancel:
		return "Your appointment was cancelled",
			fmt.Sprintf("Hi %s, your appointment on %s has been cancelled.",
				appt.FirstName, when)
	default:
		return "Appointment update",
			fmt.Sprintf("Hi %s, there is an update for your appointment on %s.",
				appt.FirstName, when)
	}
}
