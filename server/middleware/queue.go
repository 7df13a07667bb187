package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue/v2"
	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/metrics"
	"go.uber.org/zap"
)

// ticket is one waiting request. The slot is handed over by closing ready.
type ticket struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

// Queue bounds the number of requests processed at once. Requests beyond
// MaxConcurrent wait in FIFO order; when MaxQueued are already waiting,
// or a request waits longer than WaitTimeout, it is answered with 503.
//
// Slots are handed directly from a finishing request to the oldest
// waiter, so a burst of new arrivals cannot overtake queued requests.
type Queue struct {
	maxConcurrent int
	maxQueued     int
	waitTimeout   time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger

	mu      sync.Mutex
	waiting *queue.Queue[*ticket]
	queued  int // live tickets in waiting
	active  int
	closed  bool
}

// NewQueue creates the admission queue. m may be nil.
func NewQueue(cfg config.QueueConfig, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		maxConcurrent: maxConcurrent,
		maxQueued:     cfg.MaxQueued,
		waitTimeout:   cfg.WaitTimeout,
		metrics:       m,
		logger:        logger,
		waiting:       queue.New[*ticket](),
	}
}

// Handler admits requests through the queue.
func (q *Queue) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := q.acquire(r.Context()); err != nil {
			if q.metrics != nil {
				q.metrics.ErrorsTotal.WithLabelValues("queue_rejected").Inc()
			}
			errors.WriteError(w, errors.NewUnavailableError(GetRequestID(r.Context()),
				"Server ausgelastet. Bitte gleich erneut versuchen.", err))
			return
		}
		if q.metrics != nil {
			q.metrics.RequestDuration.WithLabelValues("queue_wait").Observe(time.Since(start).Seconds())
		}
		defer q.release()

		next.ServeHTTP(w, r)
	})
}

var (
	errQueueFull    = fmt.Errorf("queue full")
	errQueueTimeout = fmt.Errorf("queue wait timeout")
	errQueueClosed  = fmt.Errorf("queue closed")
)

func (q *Queue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	if q.active < q.maxConcurrent && q.queued == 0 {
		q.active++
		q.mu.Unlock()
		return nil
	}
	if q.queued >= q.maxQueued {
		q.mu.Unlock()
		return errQueueFull
	}
	t := &ticket{ready: make(chan struct{})}
	q.waiting.Add(t)
	q.queued++
	q.setQueuedGauge()
	q.mu.Unlock()

	var timeout <-chan time.Time
	if q.waitTimeout > 0 {
		timer := time.NewTimer(q.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-t.ready:
		return nil
	case <-timeout:
		err = errQueueTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if t.granted {
		// The slot arrived while giving up; pass it on.
		q.releaseLocked()
		return err
	}
	t.abandoned = true
	q.queued--
	q.setQueuedGauge()
	return err
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked()
}

func (q *Queue) releaseLocked() {
	for q.waiting.Length() > 0 {
		t := q.waiting.Remove()
		if t.abandoned {
			continue
		}
		t.granted = true
		q.queued--
		q.setQueuedGauge()
		close(t.ready)
		return
	}
	q.active--
}

func (q *Queue) setQueuedGauge() {
	if q.metrics != nil {
		q.metrics.ActiveRequests.WithLabelValues("queued").Set(float64(q.queued))
	}
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// Active returns the number of requests holding a slot.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Shutdown rejects new arrivals and waits until every admitted and queued
// request has finished or ctx is done.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		idle := q.active == 0 && q.queued == 0
		q.mu.Unlock()
		if idle {
			q.logger.Info("admission queue drained")
			return nil
		}
		select {
		case <-ctx.Done():
			if q.metrics != nil {
				q.metrics.ErrorsTotal.WithLabelValues("queue_shutdown_timeout").Inc()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
