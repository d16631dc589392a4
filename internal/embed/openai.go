package embed

import (
	"context"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
// BaseURL may point at any service speaking the OpenAI embeddings API.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// OpenAI embeds through langchaingo's OpenAI client.
type OpenAI struct {
	embedder embeddings.Embedder
	model    string
	dims     int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI builds the client. No network traffic happens here.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindConfig, "embedding api key is required", nil)
	}
	if cfg.Model == "" {
		return nil, errors.New(errors.KindConfig, "embedding model is required", nil)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, errors.Wrapf(errors.KindConfig, err, "create openai client")
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, errors.Wrapf(errors.KindConfig, err, "create embedder")
	}

	return &OpenAI{embedder: embedder, model: cfg.Model, dims: cfg.Dimensions}, nil
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	vec, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, errors.Wrapf(errors.KindEmbedFailed, err, "embed query")
	}
	return vec, nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vecs, err := o.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, errors.Wrapf(errors.KindEmbedFailed, err, "embed %d texts", len(texts))
	}
	return vecs, nil
}

func (o *OpenAI) checkOpen() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return errors.New(errors.KindEmbedFailed, "embedder is closed", nil)
	}
	return nil
}

func (o *OpenAI) Dimensions() int   { return o.dims }
func (o *OpenAI) ModelName() string { return o.model }

// Available probes with a cheap single-token embed.
func (o *OpenAI) Available(ctx context.Context) bool {
	_, err := o.Embed(ctx, "ping")
	return err == nil
}

func (o *OpenAI) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}
