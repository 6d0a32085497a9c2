package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the state of one key after a Take.
type Window struct {
	Count   int
	ResetAt time.Time
	Allowed bool
}

// Store persists fixed windows. Take must check and increment in one
// atomic step, and must not increment when the window is already full.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error)

	// Purge drops windows that ended before now and reports how many.
	Purge(ctx context.Context, now time.Time) (int, error)
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps windows in a mutex-guarded map. Limits are per
// process.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	if w.count >= limit {
		return Window{Count: w.count, ResetAt: w.resetAt}, nil
	}
	w.count++
	return Window{Count: w.count, ResetAt: w.resetAt, Allowed: true}, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
