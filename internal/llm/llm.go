// Package llm wraps chat completion providers behind a single client
// interface. The graph nodes only ever see Message values and call
// options; provider quirks (tool call encoding, usage reporting,
// streaming) stay in here.
package llm

import (
	"context"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/errors"
)

// Providers supported by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Tool describes a function the model may call. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model's reply to one Generate call.
type Response struct {
	Message Message
	Usage   Usage
}

// StreamFunc receives answer tokens as the provider emits them.
// Returning an error aborts the generation.
type StreamFunc func(ctx context.Context, token string) error

// Client generates chat completions.
type Client interface {
	Generate(ctx context.Context, msgs []Message, opts ...Option) (*Response, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	// Available reports whether the provider is reachable.
	Available(ctx context.Context) bool

	Close() error
}

// CallOptions collects the per-call settings. Fields are exported so
// alternative Client implementations (and test fakes) can honor them.
type CallOptions struct {
	Tools       []Tool
	Temperature *float64
	MaxTokens   *int
	Stream      StreamFunc
}

// Option adjusts a single Generate call.
type Option func(*CallOptions)

// WithTools exposes tools to the model for this call.
func WithTools(tools []Tool) Option {
	return func(o *CallOptions) { o.Tools = tools }
}

// WithTemperature overrides the client's default temperature.
func WithTemperature(t float64) Option {
	return func(o *CallOptions) { o.Temperature = &t }
}

// WithMaxTokens overrides the client's default completion budget.
func WithMaxTokens(n int) Option {
	return func(o *CallOptions) { o.MaxTokens = &n }
}

// WithStream delivers content tokens to fn as they arrive. The full
// response is still returned at the end.
func WithStream(fn StreamFunc) Option {
	return func(o *CallOptions) { o.Stream = fn }
}

// ApplyOptions folds opts into a CallOptions for a Client to read.
func ApplyOptions(opts ...Option) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the chat client named by the configuration.
func New(cfg *config.Config) (Client, error) {
	switch cfg.LLM.Provider {
	case "", ProviderOpenAI:
		return newLangchain(langchainConfig{
			provider:    ProviderOpenAI,
			apiKey:      cfg.LLM.APIKey,
			baseURL:     cfg.LLM.BaseURL,
			model:       cfg.LLM.Model,
			temperature: cfg.LLM.Temperature,
			maxTokens:   cfg.LLM.MaxTokens,
		})
	case ProviderAnthropic:
		return newLangchain(langchainConfig{
			provider:    ProviderAnthropic,
			apiKey:      cfg.LLM.APIKey,
			baseURL:     cfg.LLM.BaseURL,
			model:       cfg.LLM.Model,
			temperature: cfg.LLM.Temperature,
			maxTokens:   cfg.LLM.MaxTokens,
		})
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown llm provider %q", cfg.LLM.Provider)
	}
}
