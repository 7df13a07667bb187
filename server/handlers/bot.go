package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/safety"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

// botStatus is the plain-text answer to GET on the relay.
const botStatus = "OK lindagate"

// Bot relays a question to the automation webhook and returns its answer
// as text. Only question, the last turns of history and the detected
// topic tags are forwarded.
//
// A blocked question is answered with the refusal text and 200. A blocked
// answer is replaced by the blocked text and 502.
func (h *Handlers) Bot(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeText(w, http.StatusOK, botStatus)
		return
	}
	h.relay(w, r, false)
}

// botJSON is the dispatcher's flavour of the relay: every answer is JSON
// and a blocked answer keeps the webhook's status.
func (h *Handlers) botJSON(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, true)
}

func (h *Handlers) relay(w http.ResponseWriter, r *http.Request, jsonReply bool) {
	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "bot")

	p := h.cfg.Providers.Webhook
	if p.Endpoint == "" {
		errors.WriteError(w, errors.NewConfigError(reqID, "webhook"))
		return
	}

	f, ok := h.fields(w, r, h.cfg.Limits.BodyMax)
	if !ok {
		return
	}
	question, err := validation.Normalize(safety.Canonicalize(f.String("question", "prompt", "input", "text")), validation.FieldSpec{
		Name:     "question",
		Max:      h.cfg.Limits.RelayQuestionMax,
		Hard:     true,
		Required: true,
	})
	if err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}

	answer := func(status int, text string) {
		if jsonReply {
			writeJSON(w, status, AskResponse{Answer: text, Sources: []string{}})
			return
		}
		writeText(w, status, text)
	}

	if h.checkInput(question, logger) {
		answer(http.StatusOK, h.cfg.Safety.RefusalMessage)
		return
	}

	history := validation.NormalizeHistory(f["history"], validation.HistorySpec{
		Turns:   h.cfg.Limits.RelayHistory,
		TurnMax: h.cfg.Limits.HistoryTurnMax,
		Roles:   []string{"user", "assistant"},
		Clean:   safety.Canonicalize,
		Drop:    h.dropTurn,
	})
	payload := h.builder.Webhook(question, history)
	body, err := json.Marshal(payload)
	if err != nil {
		errors.WriteError(w, errors.NewInternalError(reqID, err))
		return
	}

	hdr := make(http.Header)
	hdr.Set("Content-Type", "application/json; charset=utf-8")
	if p.ProxySecret != "" {
		hdr.Set("X-Proxy-Secret", p.ProxySecret)
	}
	logger.Debug("relaying to webhook",
		zap.Strings("tags", payload.Tags),
		zap.Int("history_turns", len(payload.History)),
	)
	res, err := h.client.Do(r.Context(), "webhook", provider.Request{
		URL:        p.Endpoint,
		Header:     hdr,
		Body:       body,
		Timeout:    p.Timeout,
		NoRedirect: true,
	})
	if err != nil {
		if errors.Is(err, provider.ErrTimeout) {
			h.recordFallback("bot", "timeout")
			answer(http.StatusOK, h.cfg.Safety.TimeoutMessage)
			return
		}
		errors.WriteError(w, callError(reqID, "Webhook", "", err))
		return
	}
	if res.Status >= 300 && res.Status < 400 {
		logger.Warn("webhook answered with a redirect", zap.Int("status", res.Status))
		errors.WriteError(w, errors.NewProviderError(reqID, "Relay error", http.StatusBadGateway, nil))
		return
	}

	text := string(res.Body)
	if h.checkOutput(text, logger) {
		if jsonReply {
			answer(res.Status, h.cfg.Safety.BlockedMessage)
		} else {
			answer(http.StatusBadGateway, h.cfg.Safety.BlockedMessage)
		}
		return
	}

	if !res.OK() {
		if jsonReply {
			e := errors.NewProviderError(reqID, "Webhook antwortet mit Fehler", http.StatusBadGateway, nil).
				WithDetail(text, h.cfg.Limits.ErrorDetailMax)
			e.Details = map[string]interface{}{"status": res.Status}
			errors.WriteError(w, e)
			return
		}
		writeText(w, res.Status, errors.Excerpt(text, h.cfg.Limits.ErrorDetailMax))
		return
	}

	switch {
	case processing.IsJSON(res.Body):
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(res.Status)
		_, _ = w.Write(res.Body)
	case jsonReply:
		answer(res.Status, processing.ExtractText(res.Body))
	default:
		writeText(w, res.Status, text)
	}
}
