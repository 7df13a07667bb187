package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/server/metrics"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/ratelimit"
	"github.com/teilomillet/lindagate/server/safety"
	"go.uber.org/zap/zaptest"
)

// upstream is a fake provider recording every call it receives.
type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32

	mu      sync.Mutex
	bodies  [][]byte
	paths   []string
	headers []http.Header
}

func newUpstream(t *testing.T, fn http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.bodies = append(u.bodies, body)
		u.paths = append(u.paths, r.URL.Path)
		u.headers = append(u.headers, r.Header.Clone())
		u.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		fn(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) url(path string) string { return u.srv.URL + path }

func (u *upstream) count() int { return int(u.calls.Load()) }

func (u *upstream) body(i int) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bodies[i]
}

func (u *upstream) header(i int) http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.headers[i]
}

func (u *upstream) pathList() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

// testConfig points every provider at u.
func testConfig(u *upstream) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Guard.ClientSecret = ""

	p := &cfg.Providers
	p.Chat.Endpoint, p.Chat.APIKey = u.url("/chat"), "sk-chat"
	p.Rewrite.Endpoint, p.Rewrite.APIKey = u.url("/rewrite"), "sk-rewrite"
	p.Style.Endpoint, p.Style.APIKey, p.Style.Model = u.url("/responses"), "sk-style", "gpt-4o-mini"
	p.Translate.Endpoint = u.url("/v2/translate")
	p.Translate.FallbackEndpoint = u.url("/fallback/v2/translate")
	p.Translate.RephraseEndpoint = u.url("/v2/write/rephrase")
	p.Translate.APIKey = "deepl-key"
	p.Flashcards.Endpoint, p.Flashcards.APIKey, p.Flashcards.Model = u.url("/flashcards"), "sk-cards", "gpt-4o-mini"
	p.Speech.Endpoint, p.Speech.APIKey, p.Speech.Model = u.url("/audio/speech"), "sk-tts", "gpt-4o-mini-tts"
	p.Transcribe.Endpoint, p.Transcribe.APIKey, p.Transcribe.Model = u.url("/audio/transcriptions"), "sk-stt", "gpt-4o-mini-transcribe"
	p.Webhook.Endpoint, p.Webhook.ProxySecret = u.url("/hook"), "proxy-secret"
	return cfg
}

type fixture struct {
	h   *Handlers
	m   *metrics.Metrics
	env map[string]string
	now time.Time
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	builder, err := processing.NewBuilder(cfg.Prompts)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	fx := &fixture{
		m:   metrics.NewMetrics(),
		env: map[string]string{},
		now: time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
	}
	client := provider.NewClient(cfg.CircuitBreaker, logger, fx.m,
		provider.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	fx.h = New(Options{
		Config:  cfg,
		Filter:  safety.NewFilter(safety.DefaultRules()),
		Builder: builder,
		Client:  client,
		Limiter: ratelimit.NewFixedWindow(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, nil),
		Metrics: fx.m,
		Logger:  logger,
		Getenv:  func(k string) string { return fx.env[k] },
		Now:     func() time.Time { return fx.now },
	})
	return fx
}

func send(h http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	var raw []byte
	switch b := body.(type) {
	case nil:
	case string:
		raw = []byte(b)
	default:
		raw, _ = json.Marshal(b)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func post(h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	return send(h, http.MethodPost, path, body)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// chatReply answers like a chat-completions API.
func chatReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}
}

func status(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

// stall blocks until the caller gives up.
func stall(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}
