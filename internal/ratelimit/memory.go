// Package ratelimit implements fixed-window request counters keyed by client
// identity. Stores satisfy echo's middleware.RateLimiterStore.
package ratelimit

import (
	"sync"
	"time"
)

// Store reports whether another request from identifier fits in its window.
type Store interface {
	Allow(identifier string) (bool, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps per-identity windows in process memory. A window starts
// with an identity's first request and lasts for the configured duration;
// requests past the limit are still counted.
type MemoryStore struct {
	mu        sync.Mutex
	limit     int
	period    time.Duration
	windows   map[string]*window
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryStore returns a MemoryStore allowing limit requests per period.
func NewMemoryStore(limit int, period time.Duration) *MemoryStore {
	return &MemoryStore{
		limit:   limit,
		period:  period,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow counts a request for identifier.
func (s *MemoryStore) Allow(identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	w, ok := s.windows[identifier]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(s.period)}
		s.windows[identifier] = w
	}
	w.count++
	return w.count <= s.limit, nil
}

// Len returns the number of identities currently tracked.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// sweep drops expired windows at most once per period. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.period {
		return
	}
	for id, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, id)
		}
	}
	s.lastSweep = now
}
