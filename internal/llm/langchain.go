package llm

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Defaults applied when the configuration leaves them zero.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048

	availabilityTimeout = 5 * time.Second
)

type langchainConfig struct {
	provider    string
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
}

// langchainClient adapts a langchaingo chat model to Client. A circuit
// breaker fails generation fast while the provider is down, so a graph
// run ends with one error event instead of stalling on every node.
type langchainClient struct {
	model       llms.Model
	name        string
	temperature float64
	maxTokens   int
	breaker     *errors.CircuitBreaker
}

func newLangchain(cfg langchainConfig) (*langchainClient, error) {
	if cfg.apiKey == "" {
		return nil, errors.Newf(errors.KindConfig, "llm provider %q requires an api key", cfg.provider)
	}
	if cfg.maxTokens <= 0 {
		cfg.maxTokens = DefaultMaxTokens
	}

	var (
		model llms.Model
		err   error
	)
	switch cfg.provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.apiKey)}
		if cfg.model != "" {
			opts = append(opts, openai.WithModel(cfg.model))
		}
		if cfg.baseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.baseURL))
		}
		model, err = openai.New(opts...)
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(cfg.apiKey)}
		if cfg.model != "" {
			opts = append(opts, anthropic.WithModel(cfg.model))
		}
		if cfg.baseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.baseURL))
		}
		model, err = anthropic.New(opts...)
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown llm provider %q", cfg.provider)
	}
	if err != nil {
		return nil, errors.Wrapf(errors.KindConfig, err, "init %s client", cfg.provider)
	}

	return &langchainClient{
		model:       model,
		name:        cfg.model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
		breaker:     errors.NewCircuitBreaker("llm-" + cfg.provider),
	}, nil
}

func (c *langchainClient) Generate(ctx context.Context, msgs []Message, opts ...Option) (*Response, error) {
	if len(msgs) == 0 {
		return nil, errors.Newf(errors.KindInvalidInput, "generate requires at least one message")
	}
	o := ApplyOptions(opts...)

	history := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		mc, err := toLangchainMessage(m)
		if err != nil {
			return nil, err
		}
		history = append(history, mc)
	}

	temperature := c.temperature
	if o.Temperature != nil {
		temperature = *o.Temperature
	}
	maxTokens := c.maxTokens
	if o.MaxTokens != nil {
		maxTokens = *o.MaxTokens
	}

	callOpts := []llms.CallOption{
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	}
	if len(o.Tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLangchainTools(o.Tools)))
	}
	if o.Stream != nil {
		fn := o.Stream
		callOpts = append(callOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return fn(ctx, string(chunk))
		}))
	}

	var resp *llms.ContentResponse
	err := c.breaker.Execute(func() error {
		var genErr error
		resp, genErr = c.model.GenerateContent(ctx, history, callOpts...)
		return genErr
	})
	if err != nil {
		return nil, errors.Wrapf(errors.KindLLMProviderFailed, err, "generate with %s", c.name)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Newf(errors.KindLLMProviderFailed, "%s returned no choices", c.name)
	}

	choice := resp.Choices[0]
	out := Message{Role: RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}

	return &Response{Message: out, Usage: usageFromInfo(choice.GenerationInfo)}, nil
}

// Available probes the provider with a one-token completion.
func (c *langchainClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	_, err := c.model.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "ping")},
		llms.WithMaxTokens(1),
	)
	return err == nil
}

func (c *langchainClient) ModelName() string {
	return c.name
}

// Close is a no-op; langchaingo clients hold no resources of their own.
func (c *langchainClient) Close() error {
	return nil
}

func toLangchainMessage(m Message) (llms.MessageContent, error) {
	switch m.Role {
	case RoleSystem:
		return llms.TextParts(llms.ChatMessageTypeSystem, m.Content), nil
	case RoleUser:
		return llms.TextParts(llms.ChatMessageTypeHuman, m.Content), nil
	case RoleAssistant:
		mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if m.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			mc.Parts = append(mc.Parts, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		// Some providers reject an AI turn with no parts at all.
		if len(mc.Parts) == 0 {
			mc.Parts = append(mc.Parts, llms.TextContent{Text: ""})
		}
		return mc, nil
	case RoleTool:
		return llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{llms.ToolCallResponse{
				ToolCallID: m.ToolCallID,
				Content:    m.Content,
			}},
		}, nil
	default:
		return llms.MessageContent{}, errors.Newf(errors.KindInvalidInput, "unsupported message role %q", m.Role)
	}
}

func toLangchainTools(tools []Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// usageFromInfo pulls token counts out of the provider's generation
// info. OpenAI reports PromptTokens/CompletionTokens/TotalTokens,
// Anthropic InputTokens/OutputTokens.
func usageFromInfo(info map[string]any) Usage {
	var u Usage
	if info == nil {
		return u
	}
	u.PromptTokens = infoInt(info, "PromptTokens", "InputTokens")
	u.CompletionTokens = infoInt(info, "CompletionTokens", "OutputTokens")
	u.TotalTokens = infoInt(info, "TotalTokens")
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func infoInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			if v != 0 {
				return v
			}
		case int64:
			if v != 0 {
				return int(v)
			}
		case float64:
			if v != 0 {
				return int(v)
			}
		}
	}
	return 0
}
