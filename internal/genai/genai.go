// Package genai provides the LLM clients InnerGuide talks to.
//
// Two providers are supported: OpenAI chat completions and Google Gemini. Both
// take a system prompt, the recent conversation history and an optional user
// prompt, and return the assistant text.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/metrics"
	"github.com/BTreeMap/InnerGuide/internal/models"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultOpenAIModel = "gpt-4o"
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultMaxTokens   = 400
)

var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyResponse     = errors.New("empty response from model")
	ErrMissingAPIKey     = errors.New("API key not set")
	ErrUnknownProvider   = errors.New("unknown LLM provider")
)

// ClientInterface is the port the conversation engine depends on.
type ClientInterface interface {
	SendMessage(ctx context.Context, systemPrompt, userPrompt string, history []models.Message) (string, error)
}

// Opts holds configuration options for the LLM clients.
type Opts struct {
	Provider  string
	APIKey    string
	Model     string
	MaxTokens int64
	Metrics   *metrics.Metrics
}

// Option defines a configuration option for the LLM clients.
type Option func(*Opts)

// WithProvider selects openai or gemini.
func WithProvider(provider string) Option {
	return func(o *Opts) { o.Provider = provider }
}

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithMetrics records request latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Provider: ProviderOpenAI, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return cfg
}

// NewClient builds the client for the configured provider.
func NewClient(opts ...Option) (ClientInterface, error) {
	cfg := applyOpts(opts)
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return newOpenAIClient(cfg)
	case ProviderGemini:
		return newGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// observe logs and times one completion call.
func observe(m *metrics.Metrics, provider string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ObserveLLMRequest(provider, outcome, time.Since(start))
	slog.Debug("genai request finished", "provider", provider, "outcome", outcome, "duration", time.Since(start))
}
