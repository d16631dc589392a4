package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Static generates deterministic hash-based embeddings with no network
// and no model files. Quality is low but similarity is stable: texts
// sharing words land near each other, which is exactly what scenario
// tests need.
type Static struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*Static)(nil)

// Weights for vector generation. Whole tokens dominate; character
// n-grams add partial-match signal.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// latinTokenRE matches alphanumeric word runs; CJK is tokenized
// separately as bigrams since it has no word boundaries.
var latinTokenRE = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewStatic creates the test embedder.
func NewStatic() *Static {
	return &Static{}
}

// Embed generates the embedding for a single text.
func (e *Static) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errors.New(errors.KindEmbedFailed, "embedder is closed", nil)
	}
	e.mu.RUnlock()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	return normalizeVector(e.generateVector(trimmed)), nil
}

// generateVector hashes tokens and character n-grams into a fixed-width
// bag-of-features vector.
func (e *Static) generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	for _, token := range tokenize(text) {
		vector[hashToIndex(token, StaticDimensions)] += tokenWeight
	}

	normalized := normalizeForNgrams(text)
	for _, ngram := range extractNgrams(normalized, ngramSize) {
		vector[hashToIndex(ngram, StaticDimensions)] += ngramWeight
	}

	return vector
}

// tokenize extracts lowercase Latin word tokens and CJK character
// bigrams. Bigrams approximate Chinese word segmentation well enough
// for hash-based similarity.
func tokenize(text string) []string {
	var tokens []string

	for _, word := range latinTokenRE.FindAllString(text, -1) {
		tokens = append(tokens, strings.ToLower(word))
	}

	var cjkRun []rune
	flush := func() {
		if len(cjkRun) == 1 {
			tokens = append(tokens, string(cjkRun))
		}
		for i := 0; i+1 < len(cjkRun); i++ {
			tokens = append(tokens, string(cjkRun[i:i+2]))
		}
		cjkRun = cjkRun[:0]
	}
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjkRun = append(cjkRun, r)
			continue
		}
		flush()
	}
	flush()

	return tokens
}

// normalizeForNgrams keeps letters and digits only, lowercased.
func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// extractNgrams extracts n-rune sliding windows.
func extractNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return []string{}
	}

	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

// hashToIndex maps a string to a vector index with FNV-64.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// EmbedBatch embeds each text independently.
func (e *Static) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errors.New(errors.KindEmbedFailed, "embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, errors.Wrapf(errors.KindEmbedFailed, err, "embed text %d", i)
		}
		results[i] = emb
	}
	return results, nil
}

func (e *Static) Dimensions() int   { return StaticDimensions }
func (e *Static) ModelName() string { return "static" }

func (e *Static) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

func (e *Static) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
