// Package booking commits a held slot into a confirmed appointment. The
// commit is all-or-nothing: the slot re-check, the collision probe against
// the provider's calendar and the local writes share one transaction, and a
// failed external event creation leaves the slot held until its TTL.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/careslot/careslot/services/booking-engine/internal/availability"
	"github.com/careslot/careslot/services/booking-engine/internal/calendar"
	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
)

// CollisionMargin widens the busy-interval probe around the slot so that an
// event touching the slot boundary still counts as a conflict.
const CollisionMargin = time.Minute

type Store interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

// Guard bundles the pre-mutation checks: origin throttling and the
// human-verification token.
type Guard interface {
	Allow(ctx context.Context, origin string) error
	Verify(ctx context.Context, token string) error
}

// Scheduler enqueues the post-commit notifications.
type Scheduler interface {
	ScheduleBooking(ctx context.Context, appt model.Appointment) error
}

type Request struct {
	SlotID            string
	RequesterID       string
	Patient           Patient
	ServiceID         string
	ConsentGiven      bool
	VerificationToken string
	Origin            string
}

type Result struct {
	AppointmentID   string
	ExternalEventID string
}

type Transactor struct {
	store     Store
	cal       calendar.Adapter
	guard     Guard
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

func NewTransactor(store Store, cal calendar.Adapter, g Guard, scheduler Scheduler, logger *slog.Logger) *Transactor {
	return &Transactor{
		store:     store,
		cal:       cal,
		guard:     g,
		scheduler: scheduler,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Book validates the request, re-checks the hold and the provider's calendar,
// creates the external event and commits the appointment atomically.
func (t *Transactor) Book(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("booking").Start(ctx, "booking.book",
		trace.WithAttributes(
			attribute.String("slot.id", req.SlotID),
			attribute.String("service.id", req.ServiceID),
		),
	)
	defer span.End()

	// Terminal, side-effect-free rejections come first.
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if err := t.guard.Allow(ctx, req.Origin); err != nil {
		return Result{}, err
	}
	if err := t.guard.Verify(ctx, req.VerificationToken); err != nil {
		return Result{}, err
	}

	now := t.now()
	appt := model.Appointment{
		ID:        uuid.NewString(),
		ServiceID: req.ServiceID,
		SlotID:    req.SlotID,
		FirstName: strings.TrimSpace(req.Patient.FirstName),
		LastName:  strings.TrimSpace(req.Patient.LastName),
		Email:     strings.TrimSpace(req.Patient.Email),
		Phone:     strings.TrimSpace(req.Patient.Phone),
		Status:    model.AppointmentConfirmed,
		Source:    "online",
		CreatedBy: req.RequesterID,
	}

	externalEventID := ""
	err := t.store.Transact(ctx, func(ctx context.Context, tx storage.Tx) error {
		slot, err := tx.SlotForUpdate(ctx, req.SlotID)
		if err != nil {
			return err
		}
		// An expired hold and a swept slot are indistinguishable on purpose:
		// either way the claim is gone.
		if !slot.LiveHold(now) {
			return model.ErrSlotExpiredOrTaken
		}
		h, err := tx.HoldForSlot(ctx, req.SlotID)
		if err != nil {
			// A missing row means the claim is gone; anything else is an
			// infrastructure failure and must surface as such.
			if errors.Is(err, model.ErrNotFound) {
				return model.ErrSlotExpiredOrTaken
			}
			return err
		}
		if h.RequesterID != req.RequesterID || h.Expired(now) {
			return model.ErrSlotExpiredOrTaken
		}
		if slot.ServiceID != req.ServiceID {
			return fmt.Errorf("%w: service does not match slot", model.ErrValidation)
		}

		// Re-probe the provider's calendar: events created directly on it
		// between hold and commit must block the booking.
		busy, err := t.cal.ListBusyEvents(ctx, slot.ProviderID,
			slot.StartTime.Add(-CollisionMargin), slot.EndTime.Add(CollisionMargin))
		if err != nil {
			return fmt.Errorf("%w: busy query: %v", model.ErrUpstream, err)
		}
		intervals := make([]availability.Interval, 0, len(busy))
		for _, b := range busy {
			intervals = append(intervals, availability.Interval{Start: b.Start, End: b.End})
		}
		if availability.Overlaps(slot.StartTime, slot.EndTime, CollisionMargin, intervals) {
			return model.ErrCollision
		}

		eventID, err := t.cal.CreateEvent(ctx, calendar.EventRequest{
			ProviderID:  slot.ProviderID,
			ServiceID:   slot.ServiceID,
			Start:       slot.StartTime,
			End:         slot.EndTime,
			PatientName: appt.FirstName + " " + appt.LastName,
			Email:       appt.Email,
			Phone:       appt.Phone,
			Source:      appt.Source,
		})
		if err != nil {
			return fmt.Errorf("%w: create event: %v", model.ErrUpstream, err)
		}
		externalEventID = eventID

		if err := tx.MarkSlotBooked(ctx, slot.ID); err != nil {
			return err
		}
		if err := tx.DeleteHold(ctx, slot.ID); err != nil {
			return err
		}

		appt.TenantID = slot.TenantID
		appt.ProviderID = slot.ProviderID
		appt.StartTime = slot.StartTime
		appt.EndTime = slot.EndTime
		appt.ExternalEventID = eventID
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return err
		}

		payload, err := json.Marshal(map[string]any{
			"appointment_id":    appt.ID,
			"tenant_id":         appt.TenantID,
			"provider_id":       appt.ProviderID,
			"service_id":        appt.ServiceID,
			"slot_id":           appt.SlotID,
			"external_event_id": eventID,
			"start_time":        appt.StartTime.UTC().Format(time.RFC3339),
			"end_time":          appt.EndTime.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		return tx.InsertOutboxEvent(ctx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   appt.ID,
			EventType:     outbox.EventAppointmentBooked,
			Payload:       payload,
		})
	})
	if err != nil {
		if externalEventID != "" {
			// The event landed on the provider's calendar but the local
			// commit did not. The id is logged for reconciliation.
			t.logger.Warn("booking aborted after external event creation; event may be orphaned",
				"external_event_id", externalEventID, "slot_id", req.SlotID, "err", err)
		}
		span.RecordError(err)
		return Result{}, err
	}

	// Post-commit and best-effort: a scheduling failure never unwinds the
	// booking; the rows are recoverable via the dispatcher's retries.
	if err := t.scheduler.ScheduleBooking(ctx, appt); err != nil {
		t.logger.Error("failed to schedule booking notifications", "appointment_id", appt.ID, "err", err)
	}

	t.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"slot_id", req.SlotID,
		"external_event_id", externalEventID,
	)
	return Result{AppointmentID: appt.ID, ExternalEventID: externalEventID}, nil
}
