package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucket refills max tokens per window continuously instead of in one
// step. A key may burst up to max requests.
type TokenBucket struct {
	window time.Duration
	max    int
	now    Clock

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewTokenBucket creates a token bucket limiter.
func NewTokenBucket(window time.Duration, max int, now Clock) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		window:   window,
		max:      max,
		now:      now,
		visitors: make(map[string]*visitor),
	}
}

// Admit implements Admitter.
func (b *TokenBucket) Admit(_ context.Context, key string) (Decision, error) {
	now := b.now()

	b.mu.Lock()
	v, ok := b.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(b.window/time.Duration(b.max)), b.max)}
		b.visitors[key] = v
	}
	v.lastSeen = now
	b.mu.Unlock()

	r := v.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay == 0 {
		return Decision{Allowed: true}, nil
	}
	r.CancelAt(now)
	return Decision{RetryAfter: retryAfter(now.Add(delay), now)}, nil
}

// Sweep drops keys idle for longer than one window; their buckets are full
// again and indistinguishable from new ones.
func (b *TokenBucket) Sweep(context.Context) (int, error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, v := range b.visitors {
		if now.Sub(v.lastSeen) > b.window {
			delete(b.visitors, key)
			removed++
		}
	}
	return removed, nil
}

// Close implements Limiter.
func (b *TokenBucket) Close() error { return nil }
