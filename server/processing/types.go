package processing

import "github.com/teilomillet/lindagate/server/validation"

// Message is one role-tagged chat message sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the body of a chat-completions request.
type ChatPayload struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat asks the provider for schema-conforming JSON.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema names a strict schema for structured output.
type JSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// ResponsesPayload is the body of a Responses API request.
type ResponsesPayload struct {
	Model           string    `json:"model"`
	Input           []Message `json:"input"`
	Temperature     float64   `json:"temperature,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

// ChatRequest holds the normalized fields of a question.
type ChatRequest struct {
	Question  string
	History   []validation.ChatTurn
	Fachmodus string
	// PreferredModel comes from routing.preferred_model; any value
	// containing "reason" selects the reasoning model.
	PreferredModel string
}

// TranslateRequest holds the normalized fields of a translation.
type TranslateRequest struct {
	Text       string `validate:"required"`
	TargetLang string `validate:"required,len=2,alpha"`
	SourceLang string `validate:"omitempty,len=2,alpha"`
	Formality  string `validate:"omitempty,oneof=default more less prefer_more prefer_less"`
}

// RephrasePayload is the body of a DeepL Write rephrase request.
type RephrasePayload struct {
	Text       []string `json:"text"`
	TargetLang string   `json:"target_lang,omitempty"`
}

// SpeechRequest holds the client-selectable TTS fields.
type SpeechRequest struct {
	Text  string
	Voice string
	Speed float64
	// HasSpeed is false when the client sent no usable speed
	HasSpeed bool
}

// SpeechPayload is the body of a text-to-speech request.
type SpeechPayload struct {
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	Input          string  `json:"input"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// TranscriptionRequest holds decoded audio and its selectors.
type TranscriptionRequest struct {
	Audio    []byte
	MimeType string
	Language string
}

// FlashcardRequest holds the normalized fields of a deck request.
type FlashcardRequest struct {
	Title   string
	Source  string
	Context string
	Count   int
}

// WebhookPayload is the allow-listed body forwarded to the automation webhook.
type WebhookPayload struct {
	Question string                `json:"question"`
	History  []validation.ChatTurn `json:"history"`
	Tags     []string              `json:"tags"`
}
