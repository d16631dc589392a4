package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/tokens"
)

// summaryTemperature keeps the compression factual.
const summaryTemperature = 0.0

// summarizeHistory runs before each responder turn. Once the estimated
// token total crosses the threshold, everything but the newest messages
// is compressed into the system prompt's summary section and the
// history is replaced outright with [system] + kept messages.
func (r *runner) summarizeHistory(ctx context.Context) error {
	if !r.g.summarize {
		return nil
	}

	msgs := r.state.Messages
	total := estimateMessages(msgs)
	if total <= r.g.summarizeThreshold {
		return nil
	}

	// Only the first system message carries forward; the rest of the
	// history is partitioned into the part to compress and the part to
	// keep verbatim.
	var existingSystem string
	haveSystem := false
	rest := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			if !haveSystem {
				existingSystem = m.Content
				haveSystem = true
			}
			continue
		}
		rest = append(rest, m)
	}
	if len(rest) <= r.g.summarizeKeep {
		return nil
	}

	split := len(rest) - r.g.summarizeKeep
	old := append([]llm.Message(nil), rest[:split]...)
	kept := append([]llm.Message(nil), rest[split:]...)
	old, kept = repairKeptBoundary(old, kept)
	old = stripUnansweredCalls(old, kept)

	prompt := fmt.Sprintf(summaryPrompt, formatForSummary(old), r.g.summaryMaxTokens, r.g.summaryMaxTokens*2)
	resp, err := r.g.client.Generate(r.tagged(ctx, nodeSummarize),
		[]llm.Message{llm.User(prompt)},
		llm.WithTemperature(summaryTemperature),
		llm.WithMaxTokens(r.g.summaryMaxTokens),
	)
	if err != nil {
		return err
	}
	r.addUsage(resp)

	update := append([]llm.Message{llm.System(mergeSummary(existingSystem, resp.Message.Content))}, kept...)
	update = cleanToolCalls(update)
	r.state.Messages = applyMessages(r.state.Messages, update)

	slog.Info("summarized conversation history",
		slog.Int("before_messages", len(msgs)),
		slog.Int("after_messages", len(update)),
		slog.Int("before_tokens", total),
		slog.Int("after_tokens", estimateMessages(update)))
	return nil
}

// estimateMessages totals the token estimate over message text and tool
// call payloads.
func estimateMessages(msgs []llm.Message) int {
	var total float64
	for _, m := range msgs {
		total += tokens.EstimateText(m.Content)
		for _, tc := range m.ToolCalls {
			total += tokens.EstimateText(tc.Name) + tokens.EstimateText(tc.Arguments)
		}
	}
	return int(total)
}

// repairKeptBoundary keeps tool pairs intact across the old/kept split.
// A kept tool message whose assistant landed in the old half pulls that
// assistant across; one with no assistant anywhere is dropped, as are
// id-less tool messages.
func repairKeptBoundary(old, kept []llm.Message) ([]llm.Message, []llm.Message) {
	out := make([]llm.Message, 0, len(kept)+1)
	for _, msg := range kept {
		if msg.Role != llm.RoleTool {
			out = append(out, msg)
			continue
		}
		if msg.ToolCallID == "" {
			slog.Warn("dropping tool message without a call id at summarization boundary")
			continue
		}
		if hasCall(out, msg.ToolCallID) {
			out = append(out, msg)
			continue
		}
		if idx := lastCallIndex(old, msg.ToolCallID); idx >= 0 {
			out = append(out, old[idx], msg)
			old = append(old[:idx], old[idx+1:]...)
			continue
		}
		slog.Warn("dropping orphaned tool message at summarization boundary",
			slog.String("tool_call_id", msg.ToolCallID))
	}
	return old, out
}

// stripUnansweredCalls trims old assistants whose tool calls have no
// result in either half. Their text survives when present; contentless
// ones are dropped. The old half is about to be summarized, so losing
// broken pairs there is safe.
func stripUnansweredCalls(old, kept []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(old))
	for i, msg := range old {
		if msg.Role != llm.RoleAssistant || !msg.HasToolCalls() {
			out = append(out, msg)
			continue
		}

		answered := false
	scan:
		for j := i + 1; j < len(old); j++ {
			switch old[j].Role {
			case llm.RoleTool:
				if matchesCall(msg.ToolCalls, old[j].ToolCallID) {
					answered = true
					break scan
				}
			case llm.RoleAssistant, llm.RoleUser:
				break scan
			}
		}
		if !answered {
			for _, m := range kept {
				if m.Role == llm.RoleTool && matchesCall(msg.ToolCalls, m.ToolCallID) {
					answered = true
					break
				}
			}
		}

		switch {
		case answered:
			out = append(out, msg)
		case msg.Content != "":
			msg.ToolCalls = nil
			out = append(out, msg)
		default:
			slog.Warn("dropping assistant with unanswered tool calls before summarization")
		}
	}
	return out
}

func hasCall(msgs []llm.Message, id string) bool {
	return lastCallIndex(msgs, id) >= 0
}

// lastCallIndex finds the most recent assistant in msgs that makes the
// given tool call.
func lastCallIndex(msgs []llm.Message, id string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range msgs[i].ToolCalls {
			if tc.ID == id {
				return i
			}
		}
	}
	return -1
}

func matchesCall(calls []llm.ToolCall, id string) bool {
	if id == "" {
		return false
	}
	for _, tc := range calls {
		if tc.ID == id {
			return true
		}
	}
	return false
}

// formatForSummary renders messages as role-labelled lines for the
// summary prompt.
func formatForSummary(msgs []llm.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var role string
		switch m.Role {
		case llm.RoleUser:
			role = "用户"
		case llm.RoleAssistant:
			role = "助手"
		case llm.RoleSystem:
			role = "系统"
		case llm.RoleTool:
			role = "工具"
		default:
			role = "未知"
		}
		lines = append(lines, role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// mergeSummary rewrites the system prompt so it carries exactly one
// summary section: text before an existing marker survives, the old
// summary body is replaced.
func mergeSummary(existing, summary string) string {
	section := SummaryMarker + "\n" + summary
	if existing == "" {
		return section
	}
	idx := strings.Index(existing, SummaryMarker)
	if idx < 0 {
		return existing + "\n\n" + section
	}
	base := strings.TrimSpace(existing[:idx])
	if base == "" {
		return section
	}
	return base + "\n\n" + section
}
