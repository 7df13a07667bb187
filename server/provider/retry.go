package provider

import (
	"context"
	"errors"
	"time"

	"github.com/teilomillet/lindagate/config"
	"go.uber.org/zap"
)

// DoWithRetry repeats the call on the retry's transient statuses and on
// transport errors, waiting Backoff × attempt between tries. The last
// answer or error is returned together with the number of attempts made.
// An open breaker ends the loop at once.
func (c *Client) DoWithRetry(ctx context.Context, name string, req Request, retry config.RetryConfig) (*Result, int, error) {
	attempts := retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	transient := make(map[int]bool, len(retry.Statuses))
	for _, s := range retry.Statuses {
		transient[s] = true
	}

	var (
		res *Result
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err = c.Do(ctx, name, req)
		switch {
		case err == nil && !transient[res.Status]:
			return res, attempt, nil
		case errors.Is(err, ErrCircuitOpen):
			return nil, attempt, err
		}
		if attempt == attempts || ctx.Err() != nil {
			return res, attempt, err
		}

		c.logger.Info("retrying upstream call",
			zap.String("provider", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", retry.Backoff*time.Duration(attempt)),
		)
		if c.metrics != nil {
			c.metrics.UpstreamRetries.WithLabelValues(name).Inc()
		}
		if serr := c.sleep(ctx, retry.Backoff*time.Duration(attempt)); serr != nil {
			return res, attempt, err
		}
	}
	return res, attempts, err
}

// DoWithFallback sends req and, when the answer is exactly status, sends it
// once more to fallbackURL. It returns the answer that was used and the
// number of calls made.
func (c *Client) DoWithFallback(ctx context.Context, name string, req Request, status int, fallbackURL string) (*Result, int, error) {
	res, err := c.Do(ctx, name, req)
	if err != nil || res.Status != status || fallbackURL == "" || fallbackURL == req.URL {
		return res, 1, err
	}

	c.logger.Info("trying fallback endpoint",
		zap.String("provider", name),
		zap.Int("status", res.Status),
	)
	if c.metrics != nil {
		c.metrics.UpstreamRetries.WithLabelValues(name).Inc()
	}
	req.URL = fallbackURL
	second, err := c.Do(ctx, name, req)
	return second, 2, err
}

// Shared runs fn once for all concurrent callers passing the same key.
// fn runs detached from any single caller's cancellation, bounded by
// timeout; each caller still stops waiting when its own ctx ends.
// shared reports whether the result was produced by another caller.
func (c *Client) Shared(ctx context.Context, name, key string, timeout time.Duration, fn func(ctx context.Context) (*Result, int, error)) (*Result, int, bool, error) {
	type outcome struct {
		res   *Result
		calls int
	}
	leader := false
	ch := c.group.DoChan(name+"\x00"+key, func() (interface{}, error) {
		leader = true
		callCtx := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, timeout)
			defer cancel()
		}
		res, calls, err := fn(callCtx)
		return outcome{res: res, calls: calls}, err
	})

	select {
	case <-ctx.Done():
		return nil, 0, false, classify(ctx, ctx.Err())
	case r := <-ch:
		shared := r.Shared && !leader
		if shared && c.metrics != nil {
			c.metrics.DedupedRequests.WithLabelValues(name).Inc()
		}
		o, _ := r.Val.(outcome)
		return o.res, o.calls, shared, r.Err
	}
}
