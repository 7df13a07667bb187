package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

const (
	modeTranslate = "translate"
	modeImprove   = "improve"
)

// TranslateResponse is the shaped translation.
type TranslateResponse struct {
	Text               string `json:"text"`
	TargetLang         string `json:"targetLang"`
	DetectedSourceLang string `json:"detectedSourceLang,omitempty"`
	Mode               string `json:"mode,omitempty"`
}

// Translate translates text into one of the allowed target languages, or
// with mode "improve" rephrases it in place. Unsupported languages are
// rejected before the provider is contacted. A 403 from the primary
// endpoint is retried once on the fallback endpoint.
func (h *Handlers) Translate(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "translate")

	f, ok := h.fields(w, r, h.cfg.Limits.BodyMax)
	if !ok {
		return
	}

	text, err := validation.Normalize(f.String("text"), validation.FieldSpec{
		Name:     "text",
		Max:      h.cfg.Limits.TranslateTextMax,
		Hard:     true,
		Required: true,
	})
	if err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}

	p := h.cfg.Providers.Translate
	upper := validation.FieldSpec{Max: h.cfg.Limits.IdentifierMax, Case: validation.Upper}
	target, _ := validation.Normalize(f.String("targetLang", "target_lang"), upper)
	if target == "" {
		target = p.DefaultTarget
	}
	if err := validation.Var("targetLang", target, validation.OneOfTag(p.Targets)); err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}

	mode, _ := validation.Normalize(f.String("mode"), validation.FieldSpec{Max: h.cfg.Limits.IdentifierMax, Case: validation.Lower})
	if mode == "" {
		mode = modeTranslate
	}
	if mode != modeTranslate && mode != modeImprove {
		errors.WriteError(w, errors.NewValidationError(reqID, "mode must be one of translate, improve", map[string]interface{}{
			"field": "mode",
		}))
		return
	}

	source, _ := validation.Normalize(f.String("source_lang", "sourceLang"), upper)
	formality, _ := validation.Normalize(f.String("formality"), validation.FieldSpec{Max: h.cfg.Limits.IdentifierMax, Case: validation.Lower})
	req := processing.TranslateRequest{
		Text:       text,
		TargetLang: target,
		SourceLang: source,
		Formality:  formality,
	}
	if err := validation.Struct(req); err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}

	if h.checkInput(text, logger) {
		writeJSON(w, http.StatusOK, TranslateResponse{Text: h.cfg.Safety.RefusalMessage, TargetLang: target})
		return
	}
	if !p.Configured() {
		errors.WriteError(w, errors.NewConfigError(reqID, "DEEPL_API_KEY"))
		return
	}

	var out processing.Translation
	if mode == modeImprove {
		out, ok = h.rephrase(w, r, req, logger)
	} else {
		out, ok = h.translate(w, r, req, logger)
	}
	if !ok {
		return
	}

	if h.checkOutput(out.Text, logger) {
		out.Text = h.cfg.Safety.BlockedMessage
	}
	resp := TranslateResponse{
		Text:               out.Text,
		TargetLang:         target,
		DetectedSourceLang: out.DetectedSourceLang,
	}
	if mode == modeImprove {
		resp.Mode = mode
	}
	writeJSON(w, http.StatusOK, resp)
}

func deeplHeader(key, contentType string) http.Header {
	hdr := make(http.Header)
	hdr.Set("Authorization", "DeepL-Auth-Key "+key)
	hdr.Set("Content-Type", contentType)
	return hdr
}

func (h *Handlers) translate(w http.ResponseWriter, r *http.Request, req processing.TranslateRequest, logger *zap.Logger) (processing.Translation, bool) {
	reqID := middleware.GetRequestID(r.Context())
	p := h.cfg.Providers.Translate
	form := h.builder.Translate(req).Encode()

	call := provider.Request{
		URL:     p.Endpoint,
		Header:  deeplHeader(p.APIKey, "application/x-www-form-urlencoded"),
		Body:    []byte(form),
		Timeout: p.Timeout,
	}
	res, calls, shared, err := h.client.Shared(r.Context(), "translate", form, 2*p.Timeout, func(ctx context.Context) (*provider.Result, int, error) {
		return h.client.DoWithFallback(ctx, "translate", call, http.StatusForbidden, p.FallbackEndpoint)
	})
	if calls > 1 && !shared {
		h.recordFallback("translate", "forbidden")
	}
	logger.Debug("translation call finished",
		zap.Int("calls", calls),
		zap.Bool("shared", shared),
	)
	if err != nil {
		errors.WriteError(w, callError(reqID, "DeepL", "DeepL timeout", err))
		return processing.Translation{}, false
	}
	if !res.OK() {
		errors.WriteError(w, h.statusError(reqID, "DeepL", res))
		return processing.Translation{}, false
	}

	t, ok := processing.ExtractTranslation(res.Body)
	if !ok || t.Text == "" {
		errors.WriteError(w, errors.NewProviderError(reqID, "DeepL returned no translation", http.StatusBadGateway, nil))
		return processing.Translation{}, false
	}
	return t, true
}

// rephrase serves mode "improve" through DeepL Write, which free-tier keys
// (suffix ":fx") cannot use.
func (h *Handlers) rephrase(w http.ResponseWriter, r *http.Request, req processing.TranslateRequest, logger *zap.Logger) (processing.Translation, bool) {
	reqID := middleware.GetRequestID(r.Context())
	p := h.cfg.Providers.Translate
	if strings.HasSuffix(p.APIKey, ":fx") {
		errors.WriteError(w, errors.NewPaymentRequiredError(reqID, "DeepL Write (mode improve) ist mit einem API-Free-Schlüssel nicht verfügbar"))
		return processing.Translation{}, false
	}
	if p.RephraseEndpoint == "" {
		errors.WriteError(w, errors.NewConfigError(reqID, "DeepL rephrase endpoint"))
		return processing.Translation{}, false
	}

	body, err := json.Marshal(h.builder.Rephrase(req.Text, req.TargetLang))
	if err != nil {
		errors.WriteError(w, errors.NewInternalError(reqID, err))
		return processing.Translation{}, false
	}
	res, err := h.client.Do(r.Context(), "rephrase", provider.Request{
		URL:     p.RephraseEndpoint,
		Header:  deeplHeader(p.APIKey, "application/json"),
		Body:    body,
		Timeout: p.Timeout,
	})
	if err != nil {
		errors.WriteError(w, callError(reqID, "DeepL", "DeepL timeout", err))
		return processing.Translation{}, false
	}
	if !res.OK() {
		errors.WriteError(w, h.statusError(reqID, "DeepL", res))
		return processing.Translation{}, false
	}

	text := processing.ExtractRephrase(res.Body)
	if text == "" {
		errors.WriteError(w, errors.NewProviderError(reqID, "DeepL returned no text", http.StatusBadGateway, nil))
		return processing.Translation{}, false
	}
	logger.Debug("rephrase call finished", zap.Duration("duration", res.Duration))
	return processing.Translation{Text: text}, true
}
