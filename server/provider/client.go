// Package provider implements the upstream HTTP client shared by all
// handlers: per-call timeouts, a circuit breaker per provider, transient
// status retries for the speech APIs and de-duplication of identical
// concurrent calls.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/server/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("upstream timeout")

	// ErrCircuitOpen is returned while a provider's breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// errServerStatus marks a 5xx answer as a breaker failure. It never
	// leaves this package; the caller still receives the response.
	errServerStatus = errors.New("upstream server error")
)

// maxResponseBody bounds how much of an upstream answer is read.
const maxResponseBody = 16 << 20

// Request is one upstream HTTP call.
type Request struct {
	// Method defaults to POST
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Timeout bounds the call including reading the body; 0 means the
	// caller's context alone decides
	Timeout time.Duration

	// NoRedirect returns 3xx answers as they are instead of following them
	NoRedirect bool
}

// Result is the raw upstream answer.
type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Duration time.Duration
}

// OK reports a 2xx status.
func (r *Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client sends requests to upstream providers. It is safe for concurrent use.
type Client struct {
	http       *http.Client
	noRedirect *http.Client
	cbConfig   config.CircuitBreakerConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
	group      singleflight.Group
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	health   healthTable
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a client. m may be nil.
func NewClient(cb config.CircuitBreakerConfig, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:     &http.Client{},
		cbConfig: cb,
		logger:   logger,
		metrics:  m,
		sleep:    sleepContext,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	nr := *c.http
	nr.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.noRedirect = &nr
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do performs exactly one call through the provider's circuit breaker.
// Any HTTP status is returned as a Result; errors are reserved for
// timeouts (ErrTimeout), an open breaker (ErrCircuitOpen) and transport
// failures.
func (c *Client) Do(ctx context.Context, name string, req Request) (*Result, error) {
	breaker := c.breaker(name)

	var res *Result
	start := time.Now()
	_, err := breaker.Execute(func() (interface{}, error) {
		r, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		res = r
		if r.Status >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})
	duration := time.Since(start)

	if errors.Is(err, errServerStatus) {
		err = nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}

	c.observe(name, res, err, duration)
	if err != nil {
		return nil, err
	}
	res.Duration = duration
	return res, nil
}

func (c *Client) send(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	hc := c.http
	if req.NoRedirect {
		hc = c.noRedirect
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (c *Client) observe(name string, res *Result, err error, d time.Duration) {
	outcome := "error"
	switch {
	case err == nil:
		outcome = strconv.Itoa(res.Status)
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrCircuitOpen):
		outcome = "circuit_open"
	}

	fields := []zap.Field{
		zap.String("provider", name),
		zap.String("outcome", outcome),
		zap.Duration("latency", d),
	}
	if err != nil {
		c.logger.Warn("upstream call failed", append(fields, zap.Error(err))...)
	} else {
		c.logger.Debug("upstream call", fields...)
	}

	c.recordHealth(name, res, err, d)

	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamRequests.WithLabelValues(name, outcome).Inc()
	if !errors.Is(err, ErrCircuitOpen) {
		c.metrics.UpstreamDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

// breaker returns the provider's circuit breaker, creating it on first use.
func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	threshold := c.cbConfig.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: c.cbConfig.MaxRequests,
		Interval:    c.cbConfig.Interval,
		Timeout:     c.cbConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if c.metrics != nil {
				c.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	c.breakers[name] = cb
	return cb
}

// State returns the breaker state of a provider. Providers that were never
// called report closed.
func (c *Client) State(name string) gobreaker.State {
	c.mu.Lock()
	cb, ok := c.breakers[name]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
