package store

import (
	"strconv"
	"strings"
)

// rewriteParams converts ?-placeholders to postgres $1..$n form.
// Question marks inside single- or double-quoted runs are left alone, so
// shared DML may contain quoted literals.
func rewriteParams(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			b.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
