package model

import "time"

const (
	SlotFree   = "free"
	SlotHeld   = "held"
	SlotBooked = "booked"
)

const (
	AppointmentConfirmed = "confirmed"
	AppointmentCancelled = "cancelled"
	AppointmentCompleted = "completed"
)

const (
	NotificationConfirm  = "confirm"
	NotificationReminder = "reminder"
	NotificationCancel   = "cancel"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Slot is one bookable interval for a tenant/provider/service combination.
// Its ID is the deterministic key derived from those fields plus the start
// time, so repeated availability queries address the same row.
type Slot struct {
	ID         string
	TenantID   string
	ProviderID string
	ServiceID  string
	StartTime  time.Time
	EndTime    time.Time
	Status     string
	HeldUntil  *time.Time
}

// LiveHold reports whether the slot carries an unexpired hold at the given
// instant. An expired hold is treated as free by every reader.
func (s Slot) LiveHold(now time.Time) bool {
	return s.Status == SlotHeld && s.HeldUntil != nil && s.HeldUntil.After(now)
}

// Hold is a prospective booking's exclusive claim on a slot. At most one live
// hold exists per slot; the row is keyed by slot id.
type Hold struct {
	SlotID      string
	RequesterID string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

func (h Hold) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// Appointment is the committed booking outcome. Never deleted; cancellation
// flips status and keeps the row for audit.
type Appointment struct {
	ID              string
	TenantID        string
	ProviderID      string
	ServiceID       string
	SlotID          string
	StartTime       time.Time
	EndTime         time.Time
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	ExternalEventID string
	Status          string
	Source          string
	CreatedBy       string
	CancelReason    string
	CancelledAt     *time.Time
	CreatedAt       time.Time
}

// Notification is one scheduled message tied to an appointment. SentAt is
// write-once: once set it is never cleared, which is the idempotency guard
// against duplicate delivery.
type Notification struct {
	ID            int64
	AppointmentID string
	Type          string
	Channel       string
	Recipient     string
	ScheduledAt   time.Time
	SentAt        *time.Time
	LastError     string
	CreatedAt     time.Time
}
