// Package embed generates vector embeddings for child chunks and queries.
//
// Three implementations: Remote calls the self-hosted inference service
// (the default for local deployments), OpenAI goes through any
// OpenAI-compatible embeddings API, and Static is a deterministic
// hash-based embedder for tests and offline smoke runs.
package embed

import (
	"context"
	"math"
	"time"
)

// Batch and dimension defaults. The inference service serves
// 1024-dimension Qwen3 embeddings; OpenAI-compatible models declare their
// own width via config.
const (
	DefaultBatchSize  = 50
	DefaultDimensions = 1024
	DefaultTimeout    = 15 * time.Second

	// StaticDimensions is the width of the hash-based test embedder.
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one vector per
	// input in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding width.
	Dimensions() int

	// ModelName returns the model identifier for logging and usage rows.
	ModelName() string

	// Available reports whether the backing service is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales a vector to unit length. Zero vectors pass
// through untouched.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
