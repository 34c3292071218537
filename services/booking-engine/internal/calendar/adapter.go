// Package calendar defines the contract to the provider's real calendar.
// The engine only ever consumes it: busy-interval queries before a commit,
// event creation at commit, event cancellation on cancel.
package calendar

import (
	"context"
	"time"
)

type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// EventRequest carries what the provider needs to see on their calendar.
type EventRequest struct {
	ProviderID  string
	ServiceID   string
	Start       time.Time
	End         time.Time
	PatientName string
	Email       string
	Phone       string
	Source      string
}

type Adapter interface {
	// ListBusyEvents returns intervals occupied on the provider's calendar
	// inside [from, to), regardless of where they were created.
	ListBusyEvents(ctx context.Context, providerID string, from, to time.Time) ([]BusyInterval, error)
	// CreateEvent writes the booking onto the calendar and returns the
	// external event id the appointment will reference.
	CreateEvent(ctx context.Context, req EventRequest) (string, error)
	// CancelEvent removes a previously created event.
	CancelEvent(ctx context.Context, externalEventID string) error
}
