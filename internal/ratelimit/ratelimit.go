// Package ratelimit provides sliding-window rate limiters
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/authz-engine/agentic-core/internal/clock"
)

// Limiter answers whether one more event is allowed for a key within the
// rolling window.
type Limiter interface {
	// Allow records an event for the key and reports whether the key is
	// still within its limit.
	Allow(ctx context.Context, key string) (bool, error)

	// Count returns the current number of events in the window
	Count(ctx context.Context, key string) (int, error)

	// Reset clears the window for a key
	Reset(ctx context.Context, key string) error

	// Close releases backend resources
	Close() error
}

// SlidingWindow is the in-memory limiter. Entries older than the window
// are dropped on every call for the touched key.
type SlidingWindow struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewSlidingWindow creates an in-memory sliding-window limiter
func NewSlidingWindow(limit int, window time.Duration, clk clock.Clock) *SlidingWindow {
	if clk == nil {
		clk = clock.Real()
	}
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		clock:   clk,
		entries: make(map[string][]time.Time),
	}
}

var _ Limiter = (*SlidingWindow)(nil)

// Allow implements Limiter
func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[key][:0]
	for _, t := range s.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.limit {
		s.entries[key] = kept
		return false, nil
	}
	s.entries[key] = append(kept, now)
	return true, nil
}

// Count implements Limiter
func (s *SlidingWindow) Count(_ context.Context, key string) (int, error) {
	cutoff := s.clock.Now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, t := range s.entries[key] {
		if t.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// Reset implements Limiter
func (s *SlidingWindow) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Purge drops empty and fully-expired keys
func (s *SlidingWindow) Purge() {
	cutoff := s.clock.Now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entries := range s.entries {
		kept := entries[:0]
		for _, t := range entries {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = kept
		}
	}
}

// Close implements Limiter
func (s *SlidingWindow) Close() error { return nil }
