// Package ratelimit admits or rejects requests per client key. Three
// backends share one interface: an in-memory fixed window, a fixed window
// kept in SQLite for hosts running several processes, and a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/teilomillet/lindagate/config"
	"go.uber.org/zap"
)

// Decision is the answer for one request.
type Decision struct {
	Allowed bool

	// RetryAfter is the time until the key's window resets. Only set when
	// the request was rejected.
	RetryAfter time.Duration
}

// Admitter counts a request against key and decides whether it may pass.
type Admitter interface {
	Admit(ctx context.Context, key string) (Decision, error)
}

// Limiter is an Admitter whose expired state can be evicted.
type Limiter interface {
	Admitter

	// Sweep removes state that no longer affects any decision and
	// returns the number of keys removed.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// Clock returns the current time.
type Clock func() time.Time

// New builds the limiter selected by cfg.Backend.
func New(cfg config.RateLimitConfig, logger *zap.Logger) (Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	max := cfg.MaxRequests
	if max <= 0 {
		max = 20
	}

	switch cfg.Backend {
	case "", "memory":
		return NewFixedWindow(window, max, time.Now), nil
	case "token_bucket":
		return NewTokenBucket(window, max, time.Now), nil
	case "sqlite":
		l, err := OpenSQLite(cfg.SQLitePath, window, max, time.Now)
		if err != nil {
			return nil, err
		}
		logger.Info("rate limit windows stored in sqlite", zap.String("path", cfg.SQLitePath))
		return l, nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s", cfg.Backend)
	}
}

// ClientIP returns the first X-Forwarded-For entry, falling back to the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(resetAt, now time.Time) time.Duration {
	d := resetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}
