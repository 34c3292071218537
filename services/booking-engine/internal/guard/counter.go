package guard

import (
	"context"
	"sync"
	"time"
)

// CounterStore is the fixed-window counter behind the rate limiter. The
// in-memory store serves a single instance; multi-instance deployments swap
// in the Redis store without touching the limiter logic.
type CounterStore interface {
	// Incr bumps the counter for key, starting a new window with the given
	// TTL when none is live, and returns the count inside the window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*counterWindow
}

type counterWindow struct {
	count   int64
	resetAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{windows: map[string]*counterWindow{}}
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w := s.windows[key]
	if w == nil || now.After(w.resetAt) {
		// Window resets lazily on the first increment after expiry.
		s.windows[key] = &counterWindow{count: 1, resetAt: now.Add(window)}
		return 1, nil
	}
	w.count++
	return w.count, nil
}
