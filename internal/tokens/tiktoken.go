package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tiktoken wraps a tiktoken encoding for exact token counts. Construction
// can fail (unknown model, missing encoding data), so callers should fall
// back to the heuristic via ForModel rather than building this directly.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns an estimator backed by the encoding registered for
// model (for example "gpt-4o" maps to o200k_base).
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return &Tiktoken{enc: enc}, nil
}

// Estimate returns the exact token count for text under the wrapped encoding.
func (t *Tiktoken) Estimate(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// ForModel returns the best available estimator for model: tiktoken when the
// model maps to a known encoding, the character-weight heuristic otherwise.
// The estimator choice never changes observable thresholds, only precision.
func ForModel(model string) Estimator {
	if model != "" {
		if est, err := NewTiktoken(model); err == nil {
			return est
		}
	}
	return NewHeuristic()
}
