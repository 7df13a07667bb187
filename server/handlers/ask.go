package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/safety"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

// AskResponse is the answer of the chat relay.
type AskResponse struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Ask relays a question with its history to the chat provider.
//
// A question the input filter rejects is answered with the refusal text
// and status 200 without calling the provider. A provider timeout is also
// answered with 200 so the chat keeps its state.
func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "ask")

	f, ok := h.fields(w, r, h.cfg.Limits.BodyMax)
	if !ok {
		return
	}

	raw := f.String("question")
	question, err := validation.Normalize(safety.SanitizeQuestion(safety.Canonicalize(raw)), validation.FieldSpec{
		Name:     "question",
		Max:      h.cfg.Limits.QuestionMax,
		Hard:     true,
		Required: true,
	})
	if err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}
	if h.checkInput(raw, logger) {
		writeJSON(w, http.StatusOK, AskResponse{Answer: h.cfg.Safety.RefusalMessage, Sources: []string{}})
		return
	}

	p := h.cfg.Providers.Chat
	if !p.Configured() {
		errors.WriteError(w, errors.NewConfigError(reqID, "chat provider"))
		return
	}

	history := validation.NormalizeHistory(f["history"], validation.HistorySpec{
		Turns:   h.cfg.Limits.HistoryTurns,
		TurnMax: h.cfg.Limits.HistoryTurnMax,
		Clean:   safety.SanitizeQuestion,
		Drop:    h.dropTurn,
	})
	history = validation.TrimToBudget(history, h.tokenizer, h.cfg.Limits.HistoryTokens)

	payload := h.builder.Chat(processing.ChatRequest{
		Question:       question,
		History:        history,
		Fachmodus:      f.String("fachmodus"),
		PreferredModel: f.Object("routing").String("preferred_model"),
	}, p)
	body, err := json.Marshal(payload)
	if err != nil {
		errors.WriteError(w, errors.NewInternalError(reqID, err))
		return
	}

	logger.Debug("calling chat provider",
		zap.String("model", payload.Model),
		zap.Int("history_turns", len(history)),
	)
	res, err := h.client.Do(r.Context(), "chat", provider.Request{
		URL:     p.Endpoint,
		Header:  bearer(p.APIKey),
		Body:    body,
		Timeout: p.Timeout,
	})
	if err != nil {
		if errors.Is(err, provider.ErrTimeout) {
			h.recordFallback("ask", "timeout")
			writeJSON(w, http.StatusOK, AskResponse{Answer: h.cfg.Safety.TimeoutMessage, Sources: []string{}})
			return
		}
		errors.WriteError(w, callError(reqID, "Chat", "", err))
		return
	}
	if !res.OK() {
		errors.WriteError(w, h.statusError(reqID, "Chat", res))
		return
	}

	answer := strings.TrimSpace(processing.ExtractText(res.Body))
	if answer == "" {
		errors.WriteError(w, errors.NewProviderError(reqID, "Chat provider returned no answer", http.StatusBadGateway, nil))
		return
	}
	if h.checkOutput(answer, logger) {
		answer = h.cfg.Safety.BlockedMessage
	}
	writeJSON(w, res.Status, AskResponse{Answer: answer, Sources: []string{}})
}
