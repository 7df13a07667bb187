package config

import (
	"fmt"
	"net/url"
	"time"
)

// ProviderConfig describes one upstream HTTP API.
type ProviderConfig struct {
	// Endpoint is the full URL the request is posted to
	Endpoint string `yaml:"endpoint"`

	// FallbackEndpoint is tried once when Endpoint answers 403 (translation only)
	FallbackEndpoint string `yaml:"fallback_endpoint,omitempty"`

	// APIKey authenticates the call; empty means "not configured"
	APIKey string `yaml:"api_key"`

	// Model is the provider model name, if the API takes one
	Model string `yaml:"model,omitempty"`

	// Temperature and MaxTokens are sampling parameters for chat providers
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// Timeout bounds a single upstream call
	Timeout time.Duration `yaml:"timeout"`

	// Retry applies to speech providers only
	Retry RetryConfig `yaml:"retry,omitempty"`
}

// Configured reports whether the provider has a key and an endpoint.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != "" && p.Endpoint != ""
}

// RetryConfig defines the retry behavior for transient upstream statuses.
type RetryConfig struct {
	// Attempts is the total number of tries including the first (default: 3)
	Attempts int `yaml:"attempts"`

	// Backoff is multiplied by the attempt number between tries
	Backoff time.Duration `yaml:"backoff"`

	// Statuses lists the HTTP statuses that are retried
	Statuses []int `yaml:"statuses"`
}

// ChatConfig adds the reasoning model selectable through routing.preferred_model.
type ChatConfig struct {
	ProviderConfig `yaml:",inline"`
	ReasoningModel string `yaml:"reasoning_model"`
}

// TranslateConfig adds the language allow-list and the rephrase endpoint.
type TranslateConfig struct {
	ProviderConfig `yaml:",inline"`

	// RephraseEndpoint serves mode "improve"; free-tier keys cannot use it
	RephraseEndpoint string `yaml:"rephrase_endpoint"`

	// Targets is the allow-list of target language codes
	Targets []string `yaml:"targets"`

	// DefaultTarget is used when the request names no target
	DefaultTarget string `yaml:"default_target"`
}

// SpeechConfig adds the voice allow-list for text-to-speech.
type SpeechConfig struct {
	ProviderConfig `yaml:",inline"`
	Voices         []string `yaml:"voices"`
	DefaultVoice   string   `yaml:"default_voice"`
}

// WebhookConfig is the automation webhook behind the bot relay.
type WebhookConfig struct {
	ProviderConfig `yaml:",inline"`

	// ProxySecret is forwarded as X-Proxy-Secret so the webhook can reject
	// calls that did not come through the gateway
	ProxySecret string `yaml:"proxy_secret"`
}

// ProvidersConfig groups every upstream the gateway talks to.
type ProvidersConfig struct {
	Chat       ChatConfig      `yaml:"chat"`
	Rewrite    ProviderConfig  `yaml:"rewrite"`
	Style      ProviderConfig  `yaml:"style"`
	Translate  TranslateConfig `yaml:"translate"`
	Flashcards ProviderConfig  `yaml:"flashcards"`
	Speech     SpeechConfig    `yaml:"speech"`
	Transcribe ProviderConfig  `yaml:"transcribe"`
	Webhook    WebhookConfig   `yaml:"webhook"`
}

// TransientStatuses are retried by the speech providers.
var TransientStatuses = []int{408, 409, 425, 429, 500, 502, 503, 504}

func defaultProviders() ProvidersConfig {
	return ProvidersConfig{
		Chat: ChatConfig{
			ProviderConfig: ProviderConfig{
				Endpoint:    "https://api.deepseek.com/v1/chat/completions",
				APIKey:      "${Linda3Schnellmodus}",
				Model:       "deepseek-chat",
				Temperature: 0.3,
				MaxTokens:   1400,
				Timeout:     45 * time.Second,
			},
			ReasoningModel: "deepseek-reasoner",
		},
		Rewrite: ProviderConfig{
			Endpoint:    "https://api.deepseek.com/v1/chat/completions",
			APIKey:      "${Linda3Schnellmodus}",
			Model:       "deepseek-chat",
			Temperature: 0.2,
			MaxTokens:   700,
			Timeout:     35 * time.Second,
		},
		Style: ProviderConfig{
			Endpoint:    "https://api.openai.com/v1/responses",
			APIKey:      "${ReWrite}",
			Model:       "${REWRITE_MODEL:-gpt-4o-mini}",
			Temperature: 0.3,
			MaxTokens:   500,
			Timeout:     30 * time.Second,
		},
		Translate: TranslateConfig{
			ProviderConfig: ProviderConfig{
				Endpoint:         "${DEEPL_API_ENDPOINT:-https://api-free.deepl.com/v2/translate}",
				FallbackEndpoint: "${DEEPL_FALLBACK_ENDPOINT:-https://api.deepl.com/v2/translate}",
				APIKey:           "${DEEPL_API_KEY}",
				Timeout:          15 * time.Second,
			},
			RephraseEndpoint: "https://api.deepl.com/v2/write/rephrase",
			Targets:          []string{"EN", "ES", "FR", "TR"},
			DefaultTarget:    "EN",
		},
		Flashcards: ProviderConfig{
			Endpoint:    "https://api.openai.com/v1/chat/completions",
			APIKey:      "${LernkartenAPI}",
			Model:       "${FLASHCARDS_MODEL:-gpt-4o-mini}",
			Temperature: 0.3,
			MaxTokens:   2200,
			Timeout:     45 * time.Second,
		},
		Speech: SpeechConfig{
			ProviderConfig: ProviderConfig{
				Endpoint: "https://api.openai.com/v1/audio/speech",
				APIKey:   "${TTS_API_KEY}",
				Model:    "${TTS_MODEL:-gpt-4o-mini-tts}",
				Timeout:  25 * time.Second,
				Retry: RetryConfig{
					Attempts: 3,
					Backoff:  450 * time.Millisecond,
					Statuses: TransientStatuses,
				},
			},
			Voices:       []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer", "verse"},
			DefaultVoice: "nova",
		},
		Transcribe: ProviderConfig{
			Endpoint: "https://api.openai.com/v1/audio/transcriptions",
			APIKey:   "${STT_API_KEY}",
			Model:    "${STT_MODEL:-gpt-4o-mini-transcribe}",
			Timeout:  35 * time.Second,
			Retry: RetryConfig{
				Attempts: 3,
				Backoff:  550 * time.Millisecond,
				Statuses: TransientStatuses,
			},
		},
		Webhook: WebhookConfig{
			ProviderConfig: ProviderConfig{
				Endpoint: "${MAKE_WEBHOOK_URL}",
				Timeout:  90 * time.Second,
			},
			ProxySecret: "${PROXY_SECRET}",
		},
	}
}

// Validate checks endpoints and timeouts. Missing keys are not an error:
// the affected handler answers 500 "not configured" instead.
func (p *ProvidersConfig) Validate() error {
	named := map[string]ProviderConfig{
		"chat":       p.Chat.ProviderConfig,
		"rewrite":    p.Rewrite,
		"style":      p.Style,
		"translate":  p.Translate.ProviderConfig,
		"flashcards": p.Flashcards,
		"speech":     p.Speech.ProviderConfig,
		"transcribe": p.Transcribe,
		"webhook":    p.Webhook.ProviderConfig,
	}
	for name, pc := range named {
		if pc.Timeout < 0 {
			return fmt.Errorf("negative timeout for provider %s: %v", name, pc.Timeout)
		}
		if pc.Endpoint == "" {
			continue
		}
		u, err := url.Parse(pc.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid endpoint for provider %s: %q", name, pc.Endpoint)
		}
		if pc.Retry.Attempts < 0 {
			return fmt.Errorf("negative retry attempts for provider %s", name)
		}
	}
	if len(p.Translate.Targets) == 0 {
		return fmt.Errorf("translate targets must not be empty")
	}
	if p.Speech.DefaultVoice == "" || len(p.Speech.Voices) == 0 {
		return fmt.Errorf("speech voices must not be empty")
	}
	return nil
}
