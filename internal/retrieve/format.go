package retrieve

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders documents into the context block the answer prompt
// consumes:
//
//	[Document 1] (Source: https://…, Title: …, Rerank_score: 0.9312, Type: Parent (完整上下文))
//	<content>
//
// blocks joined by blank lines. Metadata fields are omitted when empty,
// and documents with no content are skipped without renumbering the
// rest. All documents empty renders the NoDocuments sentinel.
func Format(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for i, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}

		header := fmt.Sprintf("[Document %d]", i+1)
		meta := make([]string, 0, 4)
		if doc.Source != "" {
			meta = append(meta, "Source: "+doc.Source)
		}
		if doc.Title != "" {
			meta = append(meta, "Title: "+doc.Title)
		}
		if doc.RerankScore != nil {
			meta = append(meta, "Rerank_score: "+strconv.FormatFloat(*doc.RerankScore, 'f', 4, 64))
		}
		if doc.Parent {
			meta = append(meta, "Type: Parent (完整上下文)")
		}
		if len(meta) > 0 {
			header += " (" + strings.Join(meta, ", ") + ")"
		}

		parts = append(parts, header+"\n"+content)
	}

	if len(parts) == 0 {
		return NoDocuments
	}
	return strings.Join(parts, "\n\n")
}
