package ratelimit

import (
	"context"
	"sync"
	"time"
)

type slot struct {
	count   int
	resetAt time.Time
}

// FixedWindow counts requests per key in windows of fixed length. The
// first request of a key opens its window.
type FixedWindow struct {
	window time.Duration
	max    int
	now    Clock

	mu    sync.Mutex
	slots map[string]*slot
}

// NewFixedWindow creates an in-memory fixed window limiter.
func NewFixedWindow(window time.Duration, max int, now Clock) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{
		window: window,
		max:    max,
		now:    now,
		slots:  make(map[string]*slot),
	}
}

// Admit implements Admitter.
func (f *FixedWindow) Admit(_ context.Context, key string) (Decision, error) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.slots[key]
	if !ok || now.After(s.resetAt) {
		s = &slot{resetAt: now.Add(f.window)}
		f.slots[key] = s
	}
	if s.count >= f.max {
		return Decision{RetryAfter: retryAfter(s.resetAt, now)}, nil
	}
	s.count++
	return Decision{Allowed: true}, nil
}

// Sweep drops windows that have already reset.
func (f *FixedWindow) Sweep(context.Context) (int, error) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, s := range f.slots {
		if now.After(s.resetAt) {
			delete(f.slots, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked keys.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.slots)
}

// Close implements Limiter.
func (f *FixedWindow) Close() error { return nil }
