// Package clean normalizes extracted document text before splitting.
//
// Extraction output is messy: PDF extractors emit stray NUL bytes and
// hard-wrapped lines with trailing blanks, HTML-ish sources leak tags, and
// scanned books pad paragraphs with runs of empty lines. Cleaning is lossy
// on purpose — the splitter downstream only needs paragraph structure, not
// faithful whitespace.
package clean

import (
	"regexp"
	"strings"
)

var (
	htmlTagRE      = regexp.MustCompile(`<[^>]+>`)
	multiNewlineRE = regexp.MustCompile(`\n{3,}`)
	trailingRE     = regexp.MustCompile(`(?m)[ \t]+$`)
	spaceRunRE     = regexp.MustCompile(` {2,}`)
	newlineEdgeRE  = regexp.MustCompile(` ?\n ?`)
)

// Text normalizes raw extracted text. The transformations, in order:
// drop NUL bytes, strip HTML tags, squeeze runs of three or more newlines
// to a paragraph break, trim trailing whitespace per line, collapse
// intra-line space runs to a single space, and remove spaces hugging
// newlines. The result is trimmed; a whitespace-only input yields "".
func Text(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	s = htmlTagRE.ReplaceAllString(s, "")
	s = multiNewlineRE.ReplaceAllString(s, "\n\n")
	s = trailingRE.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\t", " ")
	s = spaceRunRE.ReplaceAllString(s, " ")
	s = newlineEdgeRE.ReplaceAllString(s, "\n")

	return strings.TrimSpace(s)
}
