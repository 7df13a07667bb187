package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

const defaultRewriteMode = "easy"

// RewriteResponse answers a rewrite by mode.
type RewriteResponse struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

// StyleResponse answers a rewrite by style.
type StyleResponse struct {
	Result string `json:"result"`
	Style  string `json:"style"`
}

// Rewrite rewrites text in one of the configured modes through the chat
// provider. A request carrying style and no mode is served by the style
// rewriter on the Responses API instead.
func (h *Handlers) Rewrite(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fields(w, r, h.cfg.Limits.BodyMax)
	if !ok {
		return
	}
	if f.Has("style") && !f.Has("mode") {
		h.style(w, r, f)
		return
	}

	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "rewrite")

	mode, _ := validation.Normalize(f.String("mode"), validation.FieldSpec{Name: "mode", Max: h.cfg.Limits.IdentifierMax, Case: validation.Lower})
	if mode == "" {
		mode = defaultRewriteMode
	}
	text, err := validation.Normalize(f.String("text"), validation.FieldSpec{
		Name:     "text",
		Max:      h.cfg.Limits.RewriteTextMax,
		Hard:     true,
		Required: true,
	})
	if err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}

	p := h.cfg.Providers.Rewrite
	payload, err := h.builder.Rewrite(text, mode, p)
	if err != nil {
		errors.WriteError(w, errors.NewValidationError(reqID, "Invalid mode. Use "+strings.Join(h.builder.Modes(), "|"), map[string]interface{}{
			"field": "mode",
		}))
		return
	}
	if h.checkInput(text, logger) {
		writeJSON(w, http.StatusOK, RewriteResponse{Text: h.cfg.Safety.RefusalMessage, Mode: mode})
		return
	}
	if !p.Configured() {
		errors.WriteError(w, errors.NewConfigError(reqID, "rewrite provider"))
		return
	}

	out, ok := h.callRewrite(w, r, "rewrite", p, payload, logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RewriteResponse{Text: out, Mode: mode})
}

func (h *Handlers) style(w http.ResponseWriter, r *http.Request, f validation.Fields) {
	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "rewrite")

	text, err := validation.Normalize(f.String("text"), validation.FieldSpec{
		Name:     "text",
		Max:      h.cfg.Limits.StyleTextMax,
		Hard:     true,
		Required: true,
	})
	if err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}
	selector, _ := validation.Normalize(f.String("style"), validation.FieldSpec{Name: "style", Max: h.cfg.Limits.IdentifierMax, Case: validation.Lower})

	p := h.cfg.Providers.Style
	payload, style := h.builder.Style(text, selector, p)
	if selector != "" && selector != style {
		logger.Debug("unknown style, using default",
			zap.String("style", selector),
			zap.Strings("known", h.builder.Styles()),
		)
	}
	if h.checkInput(text, logger) {
		writeJSON(w, http.StatusOK, StyleResponse{Result: h.cfg.Safety.RefusalMessage, Style: style})
		return
	}
	if !p.Configured() {
		errors.WriteError(w, errors.NewConfigError(reqID, "style provider"))
		return
	}

	out, ok := h.callRewrite(w, r, "style", p, payload, logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, StyleResponse{Result: out, Style: style})
}

// callRewrite posts payload and returns the filtered rewritten text. On
// failure the error response has been written and ok is false.
func (h *Handlers) callRewrite(w http.ResponseWriter, r *http.Request, name string, p config.ProviderConfig, payload any, logger *zap.Logger) (string, bool) {
	reqID := middleware.GetRequestID(r.Context())
	body, err := json.Marshal(payload)
	if err != nil {
		errors.WriteError(w, errors.NewInternalError(reqID, err))
		return "", false
	}

	res, err := h.client.Do(r.Context(), name, provider.Request{
		URL:     p.Endpoint,
		Header:  bearer(p.APIKey),
		Body:    body,
		Timeout: p.Timeout,
	})
	if err != nil {
		errors.WriteError(w, callError(reqID, "Rewrite", "Rewrite timeout", err))
		return "", false
	}
	if !res.OK() {
		errors.WriteError(w, h.statusError(reqID, "Rewrite", res))
		return "", false
	}

	out := strings.TrimSpace(processing.ExtractText(res.Body))
	if out == "" {
		errors.WriteError(w, errors.NewProviderError(reqID, "No rewritten text returned", http.StatusBadGateway, nil))
		return "", false
	}
	if h.checkOutput(out, logger) {
		return h.cfg.Safety.BlockedMessage, true
	}
	return out, true
}
