// Package keyword maintains per-user BM25 indexes over child chunks for
// the sparse leg of hybrid retrieval.
//
// Chinese has no word boundaries, so the analyzer tokenizes Han runs into
// overlapping bigrams next to whole Latin words. Open indexes are held in
// an expiring LRU so a long-running worker does not accumulate one bleve
// handle per user forever.
package keyword

import (
	"unicode"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	index "github.com/blevesearch/bleve_index_api"
)

const (
	// TokenizerName is the registered CJK bigram tokenizer.
	TokenizerName = "cjk_bigram_tokenizer"

	// AnalyzerName is the analyzer chunks and queries share.
	AnalyzerName = "cjk_prose_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(TokenizerName, bigramTokenizerConstructor)
}

func bigramTokenizerConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &bigramTokenizer{}, nil
}

// bigramTokenizer emits whole tokens for Latin/digit runs and overlapping
// bigrams for Han runs. A lone Han character becomes its own token so
// single-character queries still match.
type bigramTokenizer struct{}

func (t *bigramTokenizer) Tokenize(input []byte) analysis.TokenStream {
	var stream analysis.TokenStream
	pos := 1

	emit := func(start, end int, typ analysis.TokenType) {
		stream = append(stream, &analysis.Token{
			Term:     input[start:end],
			Start:    start,
			End:      end,
			Position: pos,
			Type:     typ,
		})
		pos++
	}

	var hanOffsets []int
	flushHan := func(runEnd int) {
		if len(hanOffsets) == 1 {
			emit(hanOffsets[0], runEnd, analysis.Ideographic)
		}
		for i := 0; i+1 < len(hanOffsets); i++ {
			end := runEnd
			if i+2 < len(hanOffsets) {
				end = hanOffsets[i+2]
			}
			emit(hanOffsets[i], end, analysis.Ideographic)
		}
		hanOffsets = hanOffsets[:0]
	}

	latinStart := -1
	flushLatin := func(end int) {
		if latinStart >= 0 {
			emit(latinStart, end, analysis.AlphaNumeric)
			latinStart = -1
		}
	}

	for i := 0; i < len(input); {
		r, size := utf8.DecodeRune(input[i:])
		switch {
		case unicode.Is(unicode.Han, r):
			flushLatin(i)
			hanOffsets = append(hanOffsets, i)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan(i)
			if latinStart < 0 {
				latinStart = i
			}
		default:
			flushLatin(i)
			flushHan(i)
		}
		i += size
	}
	flushLatin(len(input))
	flushHan(len(input))

	return stream
}

// buildMapping wires the analyzer into the chunk document shape and turns
// on BM25 scoring.
func buildMapping() (mapping.IndexMapping, error) {
	im := bleve.NewIndexMapping()

	if err := im.AddCustomAnalyzer(AnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     TokenizerName,
		"token_filters": []string{lowercase.Name},
	}); err != nil {
		return nil, err
	}
	im.DefaultAnalyzer = AnalyzerName
	im.ScoringModel = index.BM25Scoring

	content := bleve.NewTextFieldMapping()
	content.Analyzer = AnalyzerName
	content.Store = true

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", content)

	for _, field := range []string{"doc_id", "parent_id", "source", "title"} {
		kw := bleve.NewKeywordFieldMapping()
		kw.Store = true
		docMapping.AddFieldMappingsAt(field, kw)
	}

	chunkID := bleve.NewNumericFieldMapping()
	chunkID.Store = true
	docMapping.AddFieldMappingsAt("chunk_id", chunkID)

	im.DefaultMapping = docMapping
	return im, nil
}
