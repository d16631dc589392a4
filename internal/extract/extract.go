// Package extract pulls plain text out of uploaded documents.
//
// Supported formats: PDF (per-page), DOCX (per-paragraph), and plain
// text/markdown with a GBK fallback for files saved by Chinese-locale
// editors. Extraction works from bytes so the pipeline can feed it
// straight from the blob store without staging temp files.
package extract

import (
	"strings"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Result is extracted text plus format-specific extras.
type Result struct {
	Text string

	// PageCount is the PDF page count, 0 for formats without pages.
	PageCount int
}

// Extract dispatches on the file extension. ext must include the leading
// dot and is matched case-insensitively.
func Extract(data []byte, ext string) (Result, error) {
	switch strings.ToLower(ext) {
	case ".pdf":
		return PDF(data)
	case ".txt", ".md":
		return PlainText(data)
	case ".docx":
		return DOCX(data)
	default:
		return Result{}, errors.Newf(errors.KindUnsupportedFileType,
			"unsupported file type %q", ext)
	}
}
