// Package rerank scores retrieval candidates against a query with a
// cross-encoder served by the inference service.
//
// Reranking is optional. The factory returns nil when it is disabled, and
// retrieval falls back to fused-rank truncation both then and when a
// rerank call fails mid-query.
package rerank

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lorekeep/lorekeep/internal/config"
)

// Document is a rerank candidate.
type Document struct {
	ID   string
	Text string
}

// Result pairs a candidate id with its cross-encoder relevance score,
// higher is more relevant.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Options bound the result set.
type Options struct {
	// TopN caps how many results come back. Zero means no cap.
	TopN int

	// ScoreThreshold drops results scoring below it. Nil disables
	// threshold filtering.
	ScoreThreshold *float64
}

// Reranker orders candidates by relevance to a query, best first.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, opts Options) ([]Result, error)

	// ModelName returns the cross-encoder identifier for logging.
	ModelName() string

	// Available reports whether the backing service is reachable.
	Available(ctx context.Context) bool

	Close() error
}

// New returns the configured reranker, or nil when reranking is disabled.
// Only the remote cross-encoder is supported; asking for a local one logs
// a warning and disables reranking.
func New(cfg *config.Config) (Reranker, error) {
	if !cfg.Retrieval.UseReranker {
		return nil, nil
	}
	if !cfg.Retrieval.UseRemoteReranker {
		slog.Warn("local reranking is not supported, reranking disabled",
			slog.String("hint", "set USE_REMOTE_RERANKER=true"))
		return nil, nil
	}
	if strings.TrimSpace(cfg.Inference.APIURL) == "" {
		slog.Warn("reranker enabled but INFERENCE_API_URL is empty, reranking disabled")
		return nil, nil
	}

	return NewRemote(RemoteConfig{
		BaseURL: cfg.Inference.APIURL,
		APIKey:  cfg.Inference.APIKey,
		Model:   cfg.Retrieval.RerankerModel,
		Timeout: cfg.InferenceTimeout(),
	})
}
