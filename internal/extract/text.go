package extract

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// PlainText decodes TXT/MD bytes. Valid UTF-8 passes through; anything
// else is decoded as GBK with undecodable bytes dropped, which covers
// files exported by Chinese-locale Windows editors.
func PlainText(data []byte) (Result, error) {
	if utf8.Valid(data) {
		return Result{Text: string(data)}, nil
	}

	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil {
		return Result{}, errors.Wrapf(errors.KindParseFailed, err, "decode text as gbk")
	}

	// The decoder substitutes U+FFFD for bytes outside GBK; drop them so
	// replacement noise does not reach the splitter.
	text := strings.ReplaceAll(string(decoded), "�", "")
	return Result{Text: text}, nil
}
