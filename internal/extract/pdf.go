package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// PDF extracts per-page text joined with blank lines and records the page
// count. Pages whose content streams cannot be decoded are skipped; the
// document only fails when no page yields any text.
func PDF(data []byte) (res Result, err error) {
	// The pdf reader panics on some malformed xref tables instead of
	// returning an error.
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = errors.Newf(errors.KindParseFailed, "pdf reader panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, errors.Wrapf(errors.KindParseFailed, err, "open pdf")
	}

	total := reader.NumPage()
	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, perr := page.GetPlainText(nil)
		if perr != nil {
			continue
		}
		if t := strings.TrimSpace(text); t != "" {
			pages = append(pages, t)
		}
	}

	if len(pages) == 0 {
		return Result{}, errors.New(errors.KindParseFailed,
			fmt.Sprintf("no extractable text in %d pdf pages", total), nil)
	}

	return Result{Text: strings.Join(pages, "\n\n"), PageCount: total}, nil
}
