package graph

import (
	"strings"

	"github.com/lorekeep/lorekeep/internal/llm"
)

// SummaryMarker tags the section of the system prompt that holds the
// rolling conversation summary. At most one such section exists at any
// time; summarization rewrites it rather than stacking new ones.
const SummaryMarker = "[对话历史总结]"

// State is the conversation state threaded through one run. Messages
// persist across turns via checkpoints. The scalar fields are request
// scoped and always start at their zero values, no matter what the
// previous turn left behind.
type State struct {
	Messages        []llm.Message
	CurrentQuery    string
	RetryCount      int
	NoRelevantFound bool
}

// applyMessages merges a node's message update into the history.
// Normal updates append. A summarization update, recognized by a
// leading system message carrying SummaryMarker, replaces the whole
// list instead.
func applyMessages(history, update []llm.Message) []llm.Message {
	if len(update) == 0 {
		return history
	}
	if update[0].Role == llm.RoleSystem && strings.Contains(update[0].Content, SummaryMarker) {
		out := make([]llm.Message, len(update))
		copy(out, update)
		return out
	}
	out := make([]llm.Message, 0, len(history)+len(update))
	out = append(out, history...)
	out = append(out, update...)
	return out
}
