package handlers

import (
	"encoding/base64"
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

// speechDetailMax caps the provider error excerpt of the audio endpoints.
const speechDetailMax = 800

// TranscriptResponse is the answer of speech-to-text.
type TranscriptResponse struct {
	Text string `json:"text"`
}

// TTS synthesizes speech for text and streams back the MP3. Text over the
// limit is truncated, unknown voices fall back to the default voice and
// transient provider failures are retried.
func (h *Handlers) TTS(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "tts")

	f, ok := h.fields(w, r, h.cfg.Limits.BodyMax)
	if !ok {
		return
	}
	text, err := validation.Normalize(f.String("text"), validation.FieldSpec{
		Name:     "text",
		Max:      h.cfg.Limits.TTSTextMax,
		Required: true,
	})
	if err != nil {
		errors.WriteError(w, fieldError(reqID, err))
		return
	}

	p := h.cfg.Providers.Speech
	if !p.Configured() {
		errors.WriteError(w, errors.NewConfigError(reqID, "TTS_API_KEY"))
		return
	}

	speed, hasSpeed := f.Number("speed")
	payload := h.builder.Speech(processing.SpeechRequest{
		Text:     text,
		Voice:    f.String("voice"),
		Speed:    speed,
		HasSpeed: hasSpeed,
	}, p)
	body, err := json.Marshal(payload)
	if err != nil {
		errors.WriteError(w, errors.NewInternalError(reqID, err))
		return
	}

	res, ok := h.callSpeech(w, r, "speech", "TTS", p.ProviderConfig, provider.Request{
		URL:     p.Endpoint,
		Header:  bearer(p.APIKey),
		Body:    body,
		Timeout: p.Timeout,
	}, logger)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// STT transcribes base64 encoded audio. Data URLs are accepted; unknown
// MIME types are sent as audio/webm and an invalid language is omitted.
func (h *Handlers) STT(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "stt")
	lim := h.cfg.Limits

	f, ok := h.fields(w, r, lim.AudioBodyMax)
	if !ok {
		return
	}

	encoded := strings.TrimSpace(f.String("audio_base64", "audioBase64"))
	if i := strings.LastIndexByte(encoded, ','); i >= 0 {
		encoded = strings.TrimSpace(encoded[i+1:])
	}
	if encoded == "" {
		errors.WriteError(w, errors.NewRequiredError(reqID, "audio_base64"))
		return
	}
	if len(encoded) > lim.STTBase64Max {
		errors.WriteError(w, errors.NewPayloadTooLargeError(reqID, "audio_base64", lim.STTBase64Max))
		return
	}
	audio, err := decodeAudio(encoded)
	if err != nil {
		errors.WriteError(w, errors.NewValidationError(reqID, "audio_base64 is not valid base64", map[string]interface{}{
			"field": "audio_base64",
		}))
		return
	}
	if len(audio) == 0 {
		errors.WriteError(w, errors.NewValidationError(reqID, "Leeres Audio", map[string]interface{}{
			"field": "audio_base64",
		}))
		return
	}
	if len(audio) > lim.STTAudioMax {
		errors.WriteError(w, errors.NewPayloadTooLargeError(reqID, "audio", lim.STTAudioMax))
		return
	}

	p := h.cfg.Providers.Transcribe
	if !p.Configured() {
		errors.WriteError(w, errors.NewConfigError(reqID, "STT_API_KEY"))
		return
	}

	body, contentType, err := h.builder.Transcription(processing.TranscriptionRequest{
		Audio:    audio,
		MimeType: f.String("mime_type", "mimeType"),
		Language: f.String("language"),
	}, p)
	if err != nil {
		errors.WriteError(w, errors.NewInternalError(reqID, err))
		return
	}
	hdr := make(http.Header)
	hdr.Set("Authorization", "Bearer "+p.APIKey)
	hdr.Set("Content-Type", contentType)

	res, ok := h.callSpeech(w, r, "transcribe", "STT", p, provider.Request{
		URL:     p.Endpoint,
		Header:  hdr,
		Body:    body,
		Timeout: p.Timeout,
	}, logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, TranscriptResponse{Text: processing.ExtractText(res.Body)})
}

// decodeAudio accepts padded and unpadded standard base64.
func decodeAudio(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// callSpeech runs req with the provider's retry policy. On failure the error
// response has been written and ok is false.
func (h *Handlers) callSpeech(w http.ResponseWriter, r *http.Request, name, label string, p config.ProviderConfig, req provider.Request, logger *zap.Logger) (*provider.Result, bool) {
	reqID := middleware.GetRequestID(r.Context())
	res, attempts, err := h.client.DoWithRetry(r.Context(), name, req, p.Retry)
	if attempts > 1 {
		logger.Info("speech provider retried", zap.Int("attempts", attempts))
	}
	if err != nil {
		errors.WriteError(w, callError(reqID, label, label+" Timeout beim Provider", err))
		return nil, false
	}
	if !res.OK() {
		errors.WriteError(w, errors.NewProviderError(reqID, label+" Provider Fehler", res.Status, nil).
			WithDetail(string(res.Body), speechDetailMax))
		return nil, false
	}
	return res, true
}
