// Package tokens estimates token counts for budgeting decisions such as
// conversation summarization and usage accounting.
//
// The default estimator is a character-weight heuristic tuned for mixed
// Chinese/English text: CJK ideographs tokenize to roughly 1.8 tokens each
// under common BPE vocabularies, while Latin characters average well under
// half a token. The heuristic needs no model files and never fails, which
// makes it the right default for threshold checks where a rough count is
// enough.
package tokens

import "unicode"

// Weights for the character-class heuristic.
const (
	cjkWeight   = 1.8
	otherWeight = 0.4
)

// Estimator estimates the number of tokens a text would consume.
type Estimator interface {
	Estimate(text string) int
}

// Heuristic is the CJK-aware character-weight estimator.
type Heuristic struct{}

// NewHeuristic returns the default character-weight estimator.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Estimate returns the estimated token count for text.
func (Heuristic) Estimate(text string) int {
	return int(EstimateText(text))
}

// EstimateText returns the estimated token count as a float so callers
// summing many fragments do not accumulate rounding error.
//
// CJK unified ideographs (U+4E00–U+9FFF) and Extension A (U+3400–U+4DBF)
// count 1.8 tokens per rune; every other non-whitespace rune counts 0.4.
// Whitespace is free.
func EstimateText(text string) float64 {
	if text == "" {
		return 0
	}

	var cjk, other int
	for _, r := range text {
		switch {
		case isCJK(r):
			cjk++
		case !unicode.IsSpace(r):
			other++
		}
	}

	return float64(cjk)*cjkWeight + float64(other)*otherWeight
}

func isCJK(r rune) bool {
	return (r >= 0x4e00 && r <= 0x9fff) || (r >= 0x3400 && r <= 0x4dbf)
}
