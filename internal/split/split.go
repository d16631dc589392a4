// Package split turns cleaned document text into parent blocks and child
// chunks for parent/child retrieval.
//
// Children are small enough to embed precisely (~450 chars); parents carry
// the surrounding context (~1800 chars) that is actually handed to the
// model. Retrieval matches children, then projects to their parents.
package split

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Default chunk sizes in characters. CJK prose carries more meaning per
// character, so both overlaps run higher than typical English defaults.
const (
	DefaultParentSize = 1800
	DefaultChildSize  = 450

	parentOverlapRatio = 0.2
	childOverlapRatio  = 0.25

	minParentChars = 200
	minChildChars  = 50
)

// Separator priority for parent blocks: paragraph structure first, then
// sentence boundaries.
var parentSeparators = []string{"\n\n\n", "\n\n", "\n", "。", "."}

// Separator priority for child chunks: denser punctuation set so the
// splitter can land on clause boundaries inside long CJK sentences.
var childSeparators = []string{
	"\n\n", "\n",
	"。", ".",
	"！", "!",
	"？", "?",
	"；", ";",
	"，", ",",
	" ",
}

// Parent is a context block projected to at answer time.
type Parent struct {
	ID      string
	Content string
}

// Child is an embeddable chunk pointing back at its parent. ChunkID
// increases across the whole document and seeds the deterministic vector id.
type Child struct {
	ParentID string
	ChunkID  int
	Content  string
}

// Options tunes chunk sizes. Zero values take the defaults.
type Options struct {
	ParentSize int
	ChildSize  int
}

func (o Options) withDefaults() Options {
	if o.ParentSize <= 0 {
		o.ParentSize = DefaultParentSize
	}
	if o.ChildSize <= 0 {
		o.ChildSize = DefaultChildSize
	}
	return o
}

// ParentChild splits text into parent blocks and their child chunks.
//
// Parents shorter than 200 characters are dropped, as are blocks that are
// nothing but short heading lines. Children shorter than 50 characters are
// dropped. Each surviving parent gets a fresh UUID; children reference it
// and carry a document-wide increasing chunk id.
func ParentChild(text string, opts Options) ([]Parent, []Child, error) {
	opts = opts.withDefaults()

	parentSplitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.ParentSize),
		textsplitter.WithChunkOverlap(int(float64(opts.ParentSize)*parentOverlapRatio)),
		textsplitter.WithSeparators(parentSeparators),
	)

	rawParents, err := parentSplitter.SplitText(text)
	if err != nil {
		return nil, nil, errors.Wrapf(errors.KindParseFailed, err, "split parent blocks")
	}

	var blocks []string
	for _, p := range rawParents {
		content := strings.TrimSpace(p)
		if utf8.RuneCountInString(content) < minParentChars {
			continue
		}
		if isHeaderOnly(content) {
			continue
		}
		blocks = append(blocks, content)
	}

	childSplitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.ChildSize),
		textsplitter.WithChunkOverlap(int(float64(opts.ChildSize)*childOverlapRatio)),
		textsplitter.WithSeparators(childSeparators),
	)

	parents := make([]Parent, 0, len(blocks))
	var children []Child
	chunkID := 0

	for _, block := range blocks {
		parentID := uuid.NewString()
		parents = append(parents, Parent{ID: parentID, Content: block})

		rawChildren, err := childSplitter.SplitText(block)
		if err != nil {
			return nil, nil, errors.Wrapf(errors.KindParseFailed, err, "split child chunks")
		}

		for _, c := range rawChildren {
			content := strings.TrimSpace(c)
			if utf8.RuneCountInString(content) < minChildChars {
				continue
			}
			children = append(children, Child{
				ParentID: parentID,
				ChunkID:  chunkID,
				Content:  content,
			})
			chunkID++
		}
	}

	return parents, children, nil
}

// isHeaderOnly reports whether every non-blank line is a short heading
// fragment. Such blocks survive the length filter when a table of contents
// runs long, but they carry no retrievable prose.
func isHeaderOnly(content string) bool {
	lines := strings.Split(content, "\n")
	seen := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seen = true
		if utf8.RuneCountInString(line) >= 60 || !strings.HasSuffix(line, "#") {
			return false
		}
	}
	return seen
}
