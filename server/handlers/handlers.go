// Package handlers implements the lindagate endpoints. Each handler runs the
// same pipeline: read and parse the body, normalize fields, check the text
// against the safety filter, build the provider payload, call the provider
// and shape its answer.
//
// Handlers hold no per-request state. The dispatcher hands a body it has
// already parsed to the other handlers through the request context, so a
// handler reads the body only when it is served on its own route.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/metrics"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/ratelimit"
	"github.com/teilomillet/lindagate/server/safety"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

// Options carries the dependencies shared by all handlers.
type Options struct {
	Config  *config.Config
	Filter  *safety.Filter
	Builder *processing.Builder
	Client  *provider.Client

	// Limiter and Queue guard the audio actions of the dispatcher. Both
	// may be nil.
	Limiter ratelimit.Admitter
	Queue   *middleware.Queue

	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Tokenizer validation.Tokenizer

	// Getenv and Now default to os.Getenv and time.Now
	Getenv func(string) string
	Now    func() time.Time
}

// Handlers serves every lindagate endpoint.
type Handlers struct {
	cfg       *config.Config
	filter    *safety.Filter
	builder   *processing.Builder
	client    *provider.Client
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tokenizer validation.Tokenizer
	getenv    func(string) string
	now       func() time.Time

	// actions is the dispatcher's table, built once in New
	actions map[string]http.Handler
}

// New creates the handlers. Config, Filter, Builder and Client are required.
func New(opts Options) *Handlers {
	h := &Handlers{
		cfg:       opts.Config,
		filter:    opts.Filter,
		builder:   opts.Builder,
		client:    opts.Client,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		tokenizer: opts.Tokenizer,
		getenv:    opts.Getenv,
		now:       opts.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.getenv == nil {
		h.getenv = os.Getenv
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.actions = h.buildActions(opts.Limiter, opts.Queue)
	return h
}

// Lookup returns the handler registered under name in the route table.
func (h *Handlers) Lookup(name string) (http.Handler, bool) {
	fn, ok := map[string]http.HandlerFunc{
		"ask":        h.Ask,
		"bot":        h.Bot,
		"rewrite":    h.Rewrite,
		"translate":  h.Translate,
		"flashcards": h.Flashcards,
		"tts":        h.TTS,
		"stt":        h.STT,
		"health":     h.Health,
		"dispatch":   h.Dispatch,
	}[name]
	if !ok {
		return nil, false
	}
	return fn, true
}

type fieldsKey struct{}

func withFields(ctx context.Context, f validation.Fields) context.Context {
	return context.WithValue(ctx, fieldsKey{}, f)
}

// fields returns the parsed request body. A body the dispatcher already
// parsed is reused; otherwise at most limit bytes are read. On failure the
// error response has been written and ok is false.
func (h *Handlers) fields(w http.ResponseWriter, r *http.Request, limit int64) (validation.Fields, bool) {
	if f, ok := r.Context().Value(fieldsKey{}).(validation.Fields); ok {
		return f, true
	}
	raw, err := validation.ReadBody(r, limit)
	if err != nil {
		reqID := middleware.GetRequestID(r.Context())
		if errors.Is(err, validation.ErrBodyTooLarge) {
			errors.WriteError(w, errors.NewPayloadTooLargeError(reqID, "", int(limit)))
		} else {
			errors.WriteError(w, errors.NewValidationError(reqID, "could not read request body", nil))
		}
		return nil, false
	}
	return validation.ParseBody(raw), true
}

func (h *Handlers) requestLogger(r *http.Request, handler string) *zap.Logger {
	return h.logger.With(
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.String("handler", handler),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}

// fieldError maps a normalization failure to its response.
func fieldError(reqID string, err error) *errors.RelayError {
	var fe *validation.FieldError
	if !errors.As(err, &fe) {
		return errors.From(err, reqID)
	}
	switch fe.Kind {
	case validation.Required:
		return errors.NewRequiredError(reqID, fe.Field)
	case validation.TooLong:
		return errors.NewPayloadTooLargeError(reqID, fe.Field, fe.Limit)
	}
	return errors.NewValidationError(reqID, fe.Error(), map[string]interface{}{
		"field": fe.Field,
	})
}

// callError maps a failed provider call: a timeout to 504 with
// timeoutMsg, an open breaker to 503 and anything else to 502.
func callError(reqID, name, timeoutMsg string, err error) *errors.RelayError {
	switch {
	case errors.Is(err, provider.ErrTimeout):
		return errors.NewTimeoutError(reqID, timeoutMsg, err)
	case errors.Is(err, provider.ErrCircuitOpen):
		return errors.NewUnavailableError(reqID, name+" vorübergehend nicht erreichbar", err)
	}
	return errors.NewProviderError(reqID, name+" request failed", http.StatusBadGateway, err)
}

// statusError reports a non-2xx provider answer with its status and a
// capped excerpt of the error body.
func (h *Handlers) statusError(reqID, name string, res *provider.Result) *errors.RelayError {
	return errors.NewProviderError(reqID, fmt.Sprintf("%s API error (%d)", name, res.Status), res.Status, nil).
		WithDetail(processing.ErrorMessage(res.Body), h.cfg.Limits.ErrorDetailMax)
}

func bearer(key string) http.Header {
	hdr := make(http.Header)
	hdr.Set("Authorization", "Bearer "+key)
	hdr.Set("Content-Type", "application/json")
	return hdr
}

// checkInput runs the input filter and records a block.
func (h *Handlers) checkInput(text string, logger *zap.Logger) bool {
	v := h.filter.CheckInput(text)
	if v.Blocked {
		h.recordBlock(safety.Input, v, logger)
	}
	return v.Blocked
}

// checkOutput runs the output filter and records a block.
func (h *Handlers) checkOutput(text string, logger *zap.Logger) bool {
	v := h.filter.CheckOutput(text)
	if v.Blocked {
		h.recordBlock(safety.Output, v, logger)
	}
	return v.Blocked
}

func (h *Handlers) recordBlock(dir safety.Direction, v safety.Verdict, logger *zap.Logger) {
	logger.Info("safety filter blocked text",
		zap.String("direction", string(dir)),
		zap.String("rule", v.Reason),
		zap.String("category", string(v.Category)),
		zap.String("rules_version", h.filter.Version()),
	)
	if h.metrics != nil {
		h.metrics.SafetyBlocks.WithLabelValues(string(dir), string(v.Category)).Inc()
	}
}

// dropTurn is the history predicate removing turns the input filter
// rejects. Dropped turns are not counted as blocks.
func (h *Handlers) dropTurn(text string) bool {
	return h.filter.CheckInput(text).Blocked
}

func (h *Handlers) recordFallback(endpoint, reason string) {
	if h.metrics != nil {
		h.metrics.Fallbacks.WithLabelValues(endpoint, reason).Inc()
	}
}
