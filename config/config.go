// Package config provides configuration management for the lindagate server.
// It covers the HTTP server, request guards, rate limiting, the safety rule
// table, per-endpoint size limits, upstream providers and the route table.
//
// Secrets are never written into the file. They are referenced through
// ${VAR} or ${VAR:-default} placeholders that are expanded on load.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Guard          GuardConfig          `yaml:"guard"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Queue          QueueConfig          `yaml:"queue"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Safety         SafetyConfig         `yaml:"safety"`
	Limits         LimitsConfig         `yaml:"limits"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Prompts        PromptConfig         `yaml:"prompts"`
	Health         HealthConfig         `yaml:"health"`
	Routes         []RouteConfig        `yaml:"routes"`
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout must exceed the slowest upstream timeout, otherwise the
	// connection is closed before a timeout message can be written (default: 100s)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ShutdownTimeout specifies how long to wait for in-flight requests
	// on shutdown (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// GuardConfig controls origin admission and the optional shared client secret.
type GuardConfig struct {
	// AllowedOrigins is the CORS allow-list. Empty means no allow-list,
	// in which case routes may opt into the same-origin check instead.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowedHeaders is sent as Access-Control-Allow-Headers
	AllowedHeaders []string `yaml:"allowed_headers"`

	// ClientSecret, when set, must be presented as X-Client-Secret on
	// routes using the client_secret middleware
	ClientSecret string `yaml:"client_secret"`
}

// RateLimitConfig configures the per-client fixed window used by the audio
// endpoints.
type RateLimitConfig struct {
	// Backend is one of memory, sqlite, token_bucket (default: memory)
	Backend string `yaml:"backend"`

	// Window is the length of one counting window (default: 60s)
	Window time.Duration `yaml:"window"`

	// MaxRequests is the number of admitted requests per window and key (default: 20)
	MaxRequests int `yaml:"max_requests"`

	// SQLitePath is the database file shared by all processes on a host
	// when Backend is sqlite
	SQLitePath string `yaml:"sqlite_path"`

	// SweepSchedule is the cron spec for evicting expired windows
	SweepSchedule string `yaml:"sweep_schedule"`
}

// QueueConfig bounds concurrent work on routes using the queue middleware.
type QueueConfig struct {
	// Enabled determines if the queue middleware is active
	Enabled bool `yaml:"enabled"`

	// MaxConcurrent is the number of requests processed at once
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxQueued is the number of requests allowed to wait; more are rejected with 503
	MaxQueued int `yaml:"max_queued"`

	// WaitTimeout bounds the time a request waits for a slot
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// CircuitBreakerConfig is applied to every upstream provider.
type CircuitBreakerConfig struct {
	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// SafetyConfig points at the rule table and holds the fixed texts returned
// in place of blocked content.
type SafetyConfig struct {
	// RulesFile is an optional YAML rule table replacing the built-in one
	RulesFile string `yaml:"rules_file"`

	// RefusalMessage answers a blocked question with status 200
	RefusalMessage string `yaml:"refusal_message"`

	// BlockedMessage replaces a blocked upstream answer
	BlockedMessage string `yaml:"blocked_message"`

	// TimeoutMessage answers conversational requests whose upstream timed out
	TimeoutMessage string `yaml:"timeout_message"`
}

// LimitsConfig holds the size gates. Fields named *Max on text are counted
// in runes, body limits in bytes.
type LimitsConfig struct {
	BodyMax          int64 `yaml:"body_max"`
	DispatchBodyMax  int64 `yaml:"dispatch_body_max"`
	AudioBodyMax     int64 `yaml:"audio_body_max"`
	QuestionMax      int   `yaml:"question_max"`
	RelayQuestionMax int   `yaml:"relay_question_max"`
	HistoryTurns     int   `yaml:"history_turns"`
	RelayHistory     int   `yaml:"relay_history_turns"`
	HistoryTurnMax   int   `yaml:"history_turn_max"`
	HistoryTokens    int   `yaml:"history_tokens"`
	RewriteTextMax   int   `yaml:"rewrite_text_max"`
	StyleTextMax     int   `yaml:"style_text_max"`
	TranslateTextMax int   `yaml:"translate_text_max"`
	TTSTextMax       int   `yaml:"tts_text_max"`
	STTBase64Max     int   `yaml:"stt_base64_max"`
	STTAudioMax      int   `yaml:"stt_audio_max"`
	ContextMax       int   `yaml:"flashcards_context_max"`
	TitleMax         int   `yaml:"title_max"`
	IdentifierMax    int   `yaml:"identifier_max"`
	ErrorDetailMax   int   `yaml:"error_detail_max"`
}

// HealthConfig lists the environment variables reported by the health check.
// ok is true when every Required variable is set.
type HealthConfig struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

// RouteConfig holds route-specific configuration.
type RouteConfig struct {
	// Path is the URL path to match
	Path string `yaml:"path"`

	// Handler specifies which handler to use for this route
	Handler string `yaml:"handler"`

	// Methods specifies the allowed HTTP methods for this route
	Methods []string `yaml:"methods"`

	// Middleware specifies the route-specific middleware
	// (ratelimit, queue, same_origin, client_secret, json_only)
	Middleware []string `yaml:"middleware,omitempty"`
}

// DefaultConfig returns the configuration the gateway runs with when no file
// is given. Credentials resolve from the same environment variables the
// front end deployment already uses.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    100 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Guard: GuardConfig{
			AllowedHeaders: []string{"Content-Type", "X-Client-Secret"},
			ClientSecret:   "${CLIENT_SECRET}",
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			Window:        60 * time.Second,
			MaxRequests:   20,
			SQLitePath:    "lindagate-ratelimit.db",
			SweepSchedule: "@every 1m",
		},
		Queue: QueueConfig{
			Enabled:       false,
			MaxConcurrent: 8,
			MaxQueued:     64,
			WaitTimeout:   20 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		Safety: SafetyConfig{
			RefusalMessage: "Dabei kann ich nicht helfen. Ich beantworte ausschließlich fachliche Fragen (z. B. Ausbildung/AEVO, Prüfungen, Personalmanagement).",
			BlockedMessage: "⚠️ Die Antwort wurde aus Sicherheitsgründen blockiert.",
			TimeoutMessage: "Die Anfrage dauert gerade ungewöhnlich lange. Bitte formuliere deine Frage etwas kürzer oder versuche es gleich noch einmal.",
		},
		Limits: LimitsConfig{
			BodyMax:          64 << 10,
			DispatchBodyMax:  32 << 10,
			AudioBodyMax:     6 << 20,
			QuestionMax:      4000,
			RelayQuestionMax: 8000,
			HistoryTurns:     8,
			RelayHistory:     6,
			HistoryTurnMax:   1200,
			RewriteTextMax:   500,
			StyleTextMax:     1000,
			TranslateTextMax: 1000,
			TTSTextMax:       1800,
			STTBase64Max:     4 << 20,
			STTAudioMax:      2_500_000,
			ContextMax:       14000,
			TitleMax:         120,
			IdentifierMax:    200,
			ErrorDetailMax:   500,
		},
		Providers: defaultProviders(),
		Health: HealthConfig{
			Required: []string{"MAKE_WEBHOOK_URL", "Linda3Schnellmodus", "DEEPL_API_KEY", "ReWrite", "LernkartenAPI"},
			Optional: []string{"TTS_API_KEY", "STT_API_KEY"},
		},
		Routes: DefaultRoutes(),
	}
}

// DefaultRoutes is the route table served when the file does not define one.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Path: "/api/ask", Handler: "ask", Methods: []string{"POST"}},
		{Path: "/api/bot", Handler: "bot", Methods: []string{"GET", "POST"}, Middleware: []string{"client_secret", "json_only"}},
		{Path: "/api/rewrite", Handler: "rewrite", Methods: []string{"POST"}},
		{Path: "/api/translate", Handler: "translate", Methods: []string{"POST"}},
		{Path: "/api/flashcards", Handler: "flashcards", Methods: []string{"GET", "POST"}},
		{Path: "/api/tts", Handler: "tts", Methods: []string{"POST"}, Middleware: []string{"ratelimit", "queue"}},
		{Path: "/api/stt", Handler: "stt", Methods: []string{"POST"}, Middleware: []string{"ratelimit", "queue"}},
		{Path: "/api/health", Handler: "health", Methods: []string{"GET"}},
		{Path: "/api/linda3", Handler: "dispatch", Methods: []string{"GET", "POST"}, Middleware: []string{"same_origin"}},
		{Path: "/metrics", Handler: "metrics", Methods: []string{"GET"}},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})
}

// Load loads configuration from an io.Reader. An empty reader yields the
// defaults with their placeholders resolved.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := DefaultConfig()

	dec := yaml.NewDecoder(strings.NewReader(expandEnvVars(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Placeholders left over from DefaultConfig are expanded here; values
	// from the file were expanded before decoding.
	for _, field := range config.placeholderFields() {
		if strings.Contains(*field, "${") {
			*field = expandEnvVars(*field)
		}
	}

	// Transcription shares the speech key unless it has its own.
	if config.Providers.Transcribe.APIKey == "" {
		config.Providers.Transcribe.APIKey = config.Providers.Speech.APIKey
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

func (c *Config) placeholderFields() []*string {
	p := &c.Providers
	return []*string{
		&c.Guard.ClientSecret,
		&p.Chat.Endpoint, &p.Chat.APIKey,
		&p.Rewrite.Endpoint, &p.Rewrite.APIKey,
		&p.Style.Endpoint, &p.Style.APIKey, &p.Style.Model,
		&p.Translate.Endpoint, &p.Translate.FallbackEndpoint, &p.Translate.APIKey,
		&p.Flashcards.Endpoint, &p.Flashcards.APIKey, &p.Flashcards.Model,
		&p.Speech.Endpoint, &p.Speech.APIKey, &p.Speech.Model,
		&p.Transcribe.Endpoint, &p.Transcribe.APIKey, &p.Transcribe.Model,
		&p.Webhook.Endpoint, &p.Webhook.ProxySecret,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	switch c.RateLimit.Backend {
	case "memory", "token_bucket":
	case "sqlite":
		if c.RateLimit.SQLitePath == "" {
			return fmt.Errorf("rate limit backend sqlite requires sqlite_path")
		}
	default:
		return fmt.Errorf("invalid rate limit backend: %s", c.RateLimit.Backend)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive: %v", c.RateLimit.Window)
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate limit max_requests must be positive: %d", c.RateLimit.MaxRequests)
	}

	if c.Queue.Enabled && c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue max_concurrent must be positive: %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.MaxQueued < 0 {
		return fmt.Errorf("negative queue max_queued: %d", c.Queue.MaxQueued)
	}

	if c.Limits.BodyMax <= 0 || c.Limits.DispatchBodyMax <= 0 || c.Limits.AudioBodyMax <= 0 {
		return fmt.Errorf("body limits must be positive")
	}
	if c.Limits.HistoryTurns < 0 || c.Limits.RelayHistory < 0 {
		return fmt.Errorf("negative history cap")
	}

	if err := c.Providers.Validate(); err != nil {
		return err
	}

	for i, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("empty path in route %d", i)
		}
		if route.Handler == "" {
			return fmt.Errorf("empty handler in route %d", i)
		}
		if len(route.Methods) == 0 {
			return fmt.Errorf("no methods in route %s", route.Path)
		}
	}

	return nil
}
