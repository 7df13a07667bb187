package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/server/metrics"
	"go.uber.org/zap/zaptest"
)

func testBreaker() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		MaxRequests:      1,
		Timeout:          time.Minute,
		FailureThreshold: 2,
	}
}

// noSleep records backoff durations instead of waiting.
type noSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (n *noSleep) sleep(_ context.Context, d time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.waits = append(n.waits, d)
	return nil
}

func newTestClient(t *testing.T, m *metrics.Metrics, opts ...Option) *Client {
	return NewClient(testBreaker(), zaptest.NewLogger(t), m, opts...)
}

func TestDoRelaysStatusBodyAndHeaders(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	m := metrics.NewMetrics()
	c := newTestClient(t, m)
	res, err := c.Do(context.Background(), "chat", Request{
		URL:    srv.URL,
		Header: http.Header{"Authorization": {"Bearer k"}},
		Body:   []byte(`{"q":1}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, res.Status)
	assert.False(t, res.OK())
	assert.Equal(t, `{"ok":false}`, string(res.Body))
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, `{"q":1}`, gotBody)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("chat", "418")))

	status, ok := c.HealthStatus("chat")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, int64(1), status.RequestCount)
	assert.Equal(t, "closed", status.Breaker)
	assert.Equal(t, []string{"chat"}, c.Providers())
}

func TestDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m := metrics.NewMetrics()
	c := newTestClient(t, m)
	_, err := c.Do(context.Background(), "chat", Request{URL: srv.URL, Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("chat", "timeout")))
}

func TestBreakerTripsOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	for i := 0; i < 2; i++ {
		res, err := c.Do(context.Background(), "webhook", Request{URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, res.Status)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State("webhook"))

	_, err := c.Do(context.Background(), "webhook", Request{URL: srv.URL})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())

	// Other providers are unaffected.
	assert.Equal(t, gobreaker.StateClosed, c.State("chat"))
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	for i := 0; i < 5; i++ {
		res, err := c.Do(context.Background(), "translate", Request{URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, res.Status)
	}
	assert.Equal(t, gobreaker.StateClosed, c.State("translate"))
}

func TestNoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hook" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("followed"))
	}))
	defer srv.Close()

	c := newTestClient(t, nil)

	res, err := c.Do(context.Background(), "webhook", Request{URL: srv.URL + "/hook", NoRedirect: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.Status)

	res, err = c.Do(context.Background(), "webhook", Request{Method: http.MethodGet, URL: srv.URL + "/hook"})
	require.NoError(t, err)
	assert.Equal(t, "followed", string(res.Body))
}

func TestDoWithRetry(t *testing.T) {
	retry := config.RetryConfig{
		Attempts: 3,
		Backoff:  450 * time.Millisecond,
		Statuses: config.TransientStatuses,
	}

	tests := []struct {
		name         string
		statuses     []int
		wantStatus   int
		wantAttempts int
		wantWaits    []time.Duration
	}{
		{
			name:         "recovers after transient failures",
			statuses:     []int{503, 429, 200},
			wantStatus:   200,
			wantAttempts: 3,
			wantWaits:    []time.Duration{450 * time.Millisecond, 900 * time.Millisecond},
		},
		{
			name:         "non transient status is not retried",
			statuses:     []int{400},
			wantStatus:   400,
			wantAttempts: 1,
		},
		{
			name:         "gives up after three attempts",
			statuses:     []int{429, 429, 429, 200},
			wantStatus:   429,
			wantAttempts: 3,
			wantWaits:    []time.Duration{450 * time.Millisecond, 900 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				w.WriteHeader(tt.statuses[n])
			}))
			defer srv.Close()

			sleeper := &noSleep{}
			c := NewClient(config.CircuitBreakerConfig{FailureThreshold: 10, Timeout: time.Minute}, zaptest.NewLogger(t), nil, WithSleep(sleeper.sleep))

			res, attempts, err := c.DoWithRetry(context.Background(), "speech", Request{URL: srv.URL}, retry)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, int32(tt.wantAttempts), calls.Load())
			assert.Equal(t, tt.wantWaits, sleeper.waits)
		})
	}
}

func TestDoWithRetryOnTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	sleeper := &noSleep{}
	c := newTestClient(t, nil, WithSleep(sleeper.sleep))
	res, attempts, err := c.DoWithRetry(context.Background(), "speech",
		Request{URL: srv.URL, Timeout: 50 * time.Millisecond},
		config.RetryConfig{Attempts: 3, Backoff: time.Millisecond, Statuses: config.TransientStatuses})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "audio", string(res.Body))
}

func TestDoWithFallback(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		_, _ = w.Write([]byte(`{"translations":[{"text":"Hello"}]}`))
	}))
	defer fallback.Close()

	m := metrics.NewMetrics()
	c := newTestClient(t, m)
	res, calls, err := c.DoWithFallback(context.Background(), "translate", Request{URL: primary.URL}, http.StatusForbidden, fallback.URL)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(1), fallbackCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRetries.WithLabelValues("translate")))
}

func TestDoWithFallbackOnlyOnMatchingStatus(t *testing.T) {
	var fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
	}))
	defer fallback.Close()

	c := newTestClient(t, nil)
	res, calls, err := c.DoWithFallback(context.Background(), "translate", Request{URL: primary.URL}, http.StatusForbidden, fallback.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Equal(t, int32(0), fallbackCalls.Load())
}

func TestSharedDeduplicatesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() { close(arrived) })
		<-release
		_, _ = w.Write([]byte("shared"))
	}))
	defer srv.Close()

	m := metrics.NewMetrics()
	c := newTestClient(t, m)

	const callers = 5
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, _, _, err := c.Shared(context.Background(), "translate", "EN|Hallo", time.Second, func(ctx context.Context) (*Result, int, error) {
				res, err := c.Do(ctx, "translate", Request{URL: srv.URL})
				return res, 1, err
			})
			if err == nil {
				bodies[idx] = string(res.Body)
			}
		}(i)
	}

	<-arrived
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, b := range bodies {
		assert.Equal(t, "shared", b)
	}
	assert.Equal(t, float64(callers-1), testutil.ToFloat64(m.DedupedRequests.WithLabelValues("translate")))
}

func TestSharedSurvivesLeaderCancel(t *testing.T) {
	var calls atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() { close(arrived) })
		<-release
		_, _ = w.Write([]byte("shared"))
	}))
	defer srv.Close()

	c := newTestClient(t, metrics.NewMetrics())
	call := func(ctx context.Context) (*Result, int, error) {
		res, err := c.Do(ctx, "translate", Request{URL: srv.URL})
		return res, 1, err
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, _, err := c.Shared(leaderCtx, "translate", "EN|Hallo", 5*time.Second, call)
		leaderErr <- err
	}()
	<-arrived

	type answer struct {
		res    *Result
		shared bool
		err    error
	}
	follower := make(chan answer, 1)
	go func() {
		res, _, shared, err := c.Shared(context.Background(), "translate", "EN|Hallo", 5*time.Second, call)
		follower <- answer{res, shared, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// the leader's client goes away while the call is in flight
	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	got := <-follower
	require.NoError(t, got.err)
	assert.True(t, got.shared)
	assert.Equal(t, "shared", string(got.res.Body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSharedTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, nil)
	_, _, _, err := c.Shared(context.Background(), "translate", "EN|Hallo", 50*time.Millisecond, func(ctx context.Context) (*Result, int, error) {
		res, err := c.Do(ctx, "translate", Request{URL: srv.URL})
		return res, 1, err
	})
	assert.ErrorIs(t, err, ErrTimeout)
}
