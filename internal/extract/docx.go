package extract

import (
	"bytes"
	"strings"

	"github.com/fumiama/go-docx"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// DOCX extracts non-empty paragraphs joined with blank lines. Tables and
// embedded objects are ignored; only paragraph prose is retrievable.
func DOCX(data []byte) (Result, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, errors.Wrapf(errors.KindParseFailed, err, "parse docx")
	}

	var paragraphs []string
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		if text := strings.TrimSpace(para.String()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}

	return Result{Text: strings.Join(paragraphs, "\n\n")}, nil
}
