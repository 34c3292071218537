package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAdapter is an in-process calendar for development and tests.
type MemoryAdapter struct {
	mu     sync.Mutex
	events map[string]memoryEvent
}

type memoryEvent struct {
	providerID string
	start      time.Time
	end        time.Time
	cancelled  bool
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{events: map[string]memoryEvent{}}
}

// AddBusy seeds an external busy interval, simulating an event the provider
// created directly on their calendar.
func (a *MemoryAdapter) AddBusy(providerID string, start, end time.Time) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.NewString()
	a.events[id] = memoryEvent{providerID: providerID, start: start, end: end}
	return id
}

func (a *MemoryAdapter) ListBusyEvents(_ context.Context, providerID string, from, to time.Time) ([]BusyInterval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []BusyInterval
	for _, ev := range a.events {
		if ev.cancelled || ev.providerID != providerID {
			continue
		}
		if ev.start.Before(to) && from.Before(ev.end) {
			out = append(out, BusyInterval{Start: ev.start, End: ev.end})
		}
	}
	return out, nil
}

func (a *MemoryAdapter) CreateEvent(_ context.Context, req EventRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.NewString()
	a.events[id] = memoryEvent{providerID: req.ProviderID, start: req.Start, end: req.End}
	return id, nil
}

func (a *MemoryAdapter) CancelEvent(_ context.Context, externalEventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev, ok := a.events[externalEventID]
	if !ok {
		return fmt.Errorf("event %s not found", externalEventID)
	}
	ev.cancelled = true
	a.events[externalEventID] = ev
	return nil
}

// Cancelled reports whether the given event was cancelled. Test helper.
func (a *MemoryAdapter) Cancelled(externalEventID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[externalEventID].cancelled
}
