package graph

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/llm"
)

// pairScanWindow bounds how far past an assistant the hygiene sweep
// looks for its tool results.
const pairScanWindow = 10

// validateToolCalls normalizes tool-call pairing into the strict shape
// providers demand: every call carries a non-empty id, and every call
// is answered by a tool message with the same id before the next
// assistant or user turn. Missing ids are synthesized. Tool messages
// that answer no pending call are dropped. Assistants with unanswered
// calls keep only the answered ones, fall back to their text content,
// or disappear when they have neither.
func validateToolCalls(msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}

	fixed := make([]llm.Message, 0, len(msgs))
	for i := 0; i < len(msgs); {
		msg := msgs[i]
		if msg.Role != llm.RoleAssistant || !msg.HasToolCalls() {
			fixed = append(fixed, msg)
			i++
			continue
		}

		calls := make([]llm.ToolCall, len(msg.ToolCalls))
		copy(calls, msg.ToolCalls)
		callIDs := make(map[string]bool, len(calls))
		for k := range calls {
			if calls[k].ID == "" {
				calls[k].ID = uuid.NewString()
				slog.Warn("synthesized missing tool call id", slog.String("id", calls[k].ID))
			}
			callIDs[calls[k].ID] = true
		}
		msg.ToolCalls = calls

		aiAt := len(fixed)
		fixed = append(fixed, msg)
		i++

		// Collect this assistant's results up to the next assistant or
		// user turn. Non-tool messages in between pass through.
		answered := make(map[string]bool, len(callIDs))
		for i < len(msgs) {
			next := msgs[i]
			if next.Role == llm.RoleAssistant || next.Role == llm.RoleUser {
				break
			}
			if next.Role == llm.RoleTool {
				if next.ToolCallID != "" && callIDs[next.ToolCallID] {
					answered[next.ToolCallID] = true
					fixed = append(fixed, next)
				} else {
					slog.Warn("dropping unmatched tool message",
						slog.String("tool_call_id", next.ToolCallID))
				}
				i++
				continue
			}
			fixed = append(fixed, next)
			i++
		}

		if len(answered) == len(callIDs) {
			continue
		}

		matched := make([]llm.ToolCall, 0, len(answered))
		for _, tc := range calls {
			if answered[tc.ID] {
				matched = append(matched, tc)
			}
		}
		patched := fixed[aiAt]
		switch {
		case len(matched) > 0:
			patched.ToolCalls = matched
			fixed[aiAt] = patched
		case patched.Content != "":
			patched.ToolCalls = nil
			fixed[aiAt] = patched
		default:
			slog.Warn("dropping assistant with no answered tool calls and no content")
			fixed = append(fixed[:aiAt], fixed[aiAt+1:]...)
		}
	}
	return fixed
}

// cleanToolCalls is the history hygiene pass run before every responder
// call and after summarization: validateToolCalls first, then a sweep
// that re-checks pairing within a bounded window and removes assistants
// whose calls are still unanswered, together with the tool messages
// those calls orphaned.
func cleanToolCalls(msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}
	msgs = validateToolCalls(msgs)

	cleaned := make([]llm.Message, 0, len(msgs))
	for i := 0; i < len(msgs); {
		msg := msgs[i]
		if msg.Role != llm.RoleAssistant || !msg.HasToolCalls() {
			cleaned = append(cleaned, msg)
			i++
			continue
		}

		callIDs := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				callIDs[tc.ID] = true
			}
		}

		answered := make(map[string]bool, len(callIDs))
		for j := i + 1; j < len(msgs) && j < i+pairScanWindow; j++ {
			next := msgs[j]
			if next.Role == llm.RoleAssistant || next.Role == llm.RoleUser {
				break
			}
			if next.Role == llm.RoleTool && next.ToolCallID != "" && callIDs[next.ToolCallID] {
				answered[next.ToolCallID] = true
			}
		}

		if len(answered) == len(callIDs) {
			cleaned = append(cleaned, msg)
			i++
			continue
		}

		orphaned := make(map[string]bool, len(callIDs))
		for id := range callIDs {
			if !answered[id] {
				orphaned[id] = true
			}
		}
		if msg.Content != "" {
			var paired []llm.ToolCall
			for _, tc := range msg.ToolCalls {
				if answered[tc.ID] {
					paired = append(paired, tc)
				}
			}
			msg.ToolCalls = paired
			cleaned = append(cleaned, msg)
		} else {
			slog.Warn("dropping assistant with orphaned tool calls", slog.Int("calls", len(orphaned)))
		}
		i++

		// Tool messages answering the orphaned calls go with them.
		for i < len(msgs) {
			next := msgs[i]
			if next.Role == llm.RoleTool && next.ToolCallID != "" && orphaned[next.ToolCallID] {
				i++
				continue
			}
			break
		}
	}

	if len(cleaned) != len(msgs) {
		slog.Debug("tool call hygiene removed messages",
			slog.Int("before", len(msgs)), slog.Int("after", len(cleaned)))
	}
	return cleaned
}
