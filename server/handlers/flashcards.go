package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

const (
	defaultDeckTitle = "Neues Deck"
	defaultCardCount = 8
	minCardCount     = 4
	maxCardCount     = 20
	exerciseMode     = "exercise"
	defaultTemplate  = "multiple_choice"
)

// Deck is the answer in card mode.
type Deck struct {
	Cards      []processing.Card `json:"cards"`
	Title      string            `json:"title"`
	SourceType string            `json:"sourceType"`
	Message    string            `json:"message,omitempty"`
}

// Practice is the answer in exercise mode.
type Practice struct {
	processing.ExerciseSet
	SourceType string `json:"sourceType"`
}

// FlashcardStatus is the answer to GET.
type FlashcardStatus struct {
	OK            bool   `json:"ok"`
	Endpoint      string `json:"endpoint"`
	KeyConfigured bool   `json:"keyConfigured"`
	Model         string `json:"model"`
}

type deckRequest struct {
	processing.FlashcardRequest
	Mode     string
	Template string
}

// Flashcards generates a deck of cards, or practice questions with mode
// "exercise", from a context text. Whenever the model cannot deliver, cards
// are synthesized locally from the context and sourceType names the reason.
func (h *Handlers) Flashcards(w http.ResponseWriter, r *http.Request) {
	p := h.cfg.Providers.Flashcards
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, FlashcardStatus{
			OK:            true,
			Endpoint:      r.URL.Path,
			KeyConfigured: p.APIKey != "",
			Model:         p.Model,
		})
		return
	}

	reqID := middleware.GetRequestID(r.Context())
	logger := h.requestLogger(r, "flashcards")

	f, ok := h.fields(w, r, h.cfg.Limits.BodyMax)
	if !ok {
		return
	}
	req := h.deckRequest(f)

	if h.checkInput(req.Title+"\n"+req.Source+"\n"+req.Context, logger) {
		writeJSON(w, http.StatusOK, Deck{
			Cards:      []processing.Card{},
			Title:      req.Title,
			SourceType: "blocked",
			Message:    h.cfg.Safety.RefusalMessage,
		})
		return
	}

	if !p.Configured() {
		if !h.fallbackDeck(w, req, "no-env") {
			errors.WriteError(w, errors.NewConfigError(reqID, "LernkartenAPI"))
		}
		return
	}

	body, err := json.Marshal(h.builder.Flashcards(req.FlashcardRequest, p))
	if err != nil {
		errors.WriteError(w, errors.NewInternalError(reqID, err))
		return
	}
	res, err := h.client.Do(r.Context(), "flashcards", provider.Request{
		URL:     p.Endpoint,
		Header:  bearer(p.APIKey),
		Body:    body,
		Timeout: p.Timeout,
	})
	if err != nil {
		logger.Warn("flashcard generation failed", zap.Error(err))
		if !h.fallbackDeck(w, req, "exception") {
			errors.WriteError(w, callError(reqID, "Lernkarten", "Lernkarten timeout", err))
		}
		return
	}
	if !res.OK() {
		if !h.fallbackDeck(w, req, "upstream-error") {
			errors.WriteError(w, h.statusError(reqID, "Lernkarten", res))
		}
		return
	}

	content := processing.ExtractText(res.Body)
	cards, err := processing.ParseCards(content, req.Source, req.Title, req.Count)
	if err != nil {
		reason := "invalid-json"
		if errors.Is(err, processing.ErrNoCards) || strings.TrimSpace(content) == "" {
			reason = "empty"
		}
		if !h.fallbackDeck(w, req, reason) {
			errors.WriteError(w, errors.NewProviderError(reqID, "Lernkarten: keine gültigen Karten erzeugt", http.StatusBadGateway, err))
		}
		return
	}

	cards = h.filterCards(cards, logger)
	if len(cards) == 0 {
		if !h.fallbackDeck(w, req, "empty") {
			errors.WriteError(w, errors.NewProviderError(reqID, "Lernkarten: keine gültigen Karten erzeugt", http.StatusBadGateway, nil))
		}
		return
	}

	if req.Mode == exerciseMode {
		h.recordFallback("flashcards", "practice-from-cards")
		writeJSON(w, http.StatusOK, Practice{
			ExerciseSet: processing.Exercises(cards, req.Template),
			SourceType:  "local-fallback-practice-from-cards",
		})
		return
	}
	writeJSON(w, http.StatusOK, Deck{Cards: cards, Title: req.Title, SourceType: "model"})
}

func (h *Handlers) deckRequest(f validation.Fields) deckRequest {
	lim := h.cfg.Limits
	title, _ := validation.Normalize(f.String("title"), validation.FieldSpec{Max: lim.TitleMax})
	if title == "" {
		title = defaultDeckTitle
	}
	source, _ := validation.Normalize(f.String("source"), validation.FieldSpec{Max: lim.IdentifierMax})
	context, _ := validation.Normalize(f.String("context", "text"), validation.FieldSpec{Max: lim.ContextMax})
	mode, _ := validation.Normalize(f.String("mode"), validation.FieldSpec{Max: lim.IdentifierMax, Case: validation.Lower})
	tmpl, _ := validation.Normalize(f.String("template_id", "templateId"), validation.FieldSpec{Max: lim.IdentifierMax})
	if tmpl == "" {
		tmpl = defaultTemplate
	}

	count := float64(defaultCardCount)
	if n, ok := f.Number("count"); ok && n != 0 {
		count = validation.Clamp(math.Round(n), minCardCount, maxCardCount, defaultCardCount)
	}

	return deckRequest{
		FlashcardRequest: processing.FlashcardRequest{
			Title:   title,
			Source:  source,
			Context: context,
			Count:   int(count),
		},
		Mode:     mode,
		Template: tmpl,
	}
}

// filterCards drops cards the output filter rejects and gives every card
// an ID.
func (h *Handlers) filterCards(cards []processing.Card, logger *zap.Logger) []processing.Card {
	kept := cards[:0]
	for _, c := range cards {
		if h.checkOutput(c.Front+"\n"+c.Back, logger) {
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		kept = append(kept, c)
	}
	return kept
}

// fallbackDeck answers with cards synthesized from the context. It reports
// false, writing nothing, when the context yields no card.
func (h *Handlers) fallbackDeck(w http.ResponseWriter, req deckRequest, reason string) bool {
	source := req.Source
	if source == "" {
		source = req.Title
	}
	cards := processing.FallbackCards(req.Context, source, req.Count)
	if len(cards) == 0 {
		return false
	}
	for i := range cards {
		cards[i].ID = uuid.NewString()
	}

	if req.Mode == exerciseMode {
		h.recordFallback("flashcards", "practice-"+reason)
		writeJSON(w, http.StatusOK, Practice{
			ExerciseSet: processing.Exercises(cards, req.Template),
			SourceType:  "local-fallback-practice-" + reason,
		})
		return true
	}
	h.recordFallback("flashcards", reason)
	writeJSON(w, http.StatusOK, Deck{
		Cards:      cards,
		Title:      req.Title,
		SourceType: "local-fallback-" + reason,
	})
	return true
}
