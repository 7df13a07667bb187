package handlers

import (
	"net/http"
	"strings"

	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/ratelimit"
	"github.com/teilomillet/lindagate/server/validation"
)

// buildActions returns the dispatcher's action table. The audio actions
// share the rate limit scopes of their own routes, so a client has one
// budget whichever way it calls them.
func (h *Handlers) buildActions(limiter ratelimit.Admitter, queue *middleware.Queue) map[string]http.Handler {
	audio := func(scope string, fn http.HandlerFunc) http.Handler {
		var next http.Handler = fn
		if queue != nil {
			next = queue.Handler(next)
		}
		if limiter != nil {
			next = middleware.RateLimit(scope, limiter, h.metrics, h.logger)(next)
		}
		return next
	}
	return map[string]http.Handler{
		"bot":        http.HandlerFunc(h.botJSON),
		"ask":        http.HandlerFunc(h.Ask),
		"deepseek":   http.HandlerFunc(h.Ask),
		"translate":  http.HandlerFunc(h.Translate),
		"rewrite":    http.HandlerFunc(h.Rewrite),
		"flashcards": http.HandlerFunc(h.Flashcards),
		"tts":        audio("tts", h.TTS),
		"stt":        audio("stt", h.STT),
	}
}

// Dispatch serves every action behind one path. The action is read from
// the body or the query string. Bodies are capped at the dispatch limit,
// except for stt which carries audio.
func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	lim := h.cfg.Limits

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		errors.WriteError(w, errors.NewMethodError(reqID, r.Method, []string{http.MethodGet, http.MethodPost}))
		return
	}

	f := validation.Fields{}
	var size int64
	if r.Method == http.MethodPost {
		raw, err := validation.ReadBody(r, lim.AudioBodyMax)
		if err != nil {
			if errors.Is(err, validation.ErrBodyTooLarge) {
				errors.WriteError(w, tooLarge(reqID, lim.AudioBodyMax))
			} else {
				errors.WriteError(w, errors.NewValidationError(reqID, "could not read request body", nil))
			}
			return
		}
		size = int64(len(raw))
		f = validation.ParseBody(raw)
	}

	action := f.String("action")
	if strings.TrimSpace(action) == "" {
		action = r.URL.Query().Get("action")
	}
	action = strings.ToLower(strings.TrimSpace(action))

	limit := lim.DispatchBodyMax
	if action == "stt" {
		limit = lim.AudioBodyMax
	}
	if size > limit {
		errors.WriteError(w, tooLarge(reqID, limit))
		return
	}

	if action == "health" || (action == "" && r.Method == http.MethodGet) {
		h.Health(w, r)
		return
	}
	if (action == "tts" || action == "stt") && r.Method != http.MethodPost {
		errors.WriteError(w, errors.NewMethodError(reqID, r.Method, []string{http.MethodPost}))
		return
	}

	next, ok := h.actions[action]
	if !ok {
		e := errors.NewNotFoundError(reqID, "Unbekannte action", http.StatusBadRequest)
		e.Details = map[string]interface{}{"action": action}
		errors.WriteError(w, e)
		return
	}
	next.ServeHTTP(w, r.WithContext(withFields(r.Context(), f)))
}

func tooLarge(reqID string, limit int64) *errors.RelayError {
	e := errors.NewPayloadTooLargeError(reqID, "", int(limit))
	e.Message = "Payload zu groß"
	return e
}
