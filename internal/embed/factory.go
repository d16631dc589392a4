package embed

import (
	"context"
	"strings"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/errors"
)

// Embedding provider names accepted by New.
const (
	ProviderRemote = "remote"
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// New builds the embedder the configuration selects. Remote probes the
// inference service during construction, so errors here usually mean the
// service is down rather than the config is wrong.
func New(ctx context.Context, cfg *config.Config) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Embedding.Provider)) {
	case "", ProviderRemote:
		return NewRemote(ctx, RemoteConfig{
			BaseURL:    cfg.Inference.APIURL,
			APIKey:     cfg.Inference.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dim,
			Timeout:    cfg.InferenceTimeout(),
			Normalize:  true,
		})
	case ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dim,
		})
	case ProviderStatic:
		return NewStatic(), nil
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown embedding provider: %s", cfg.Embedding.Provider)
	}
}
