package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/llm"
)

// Node labels carried on outgoing model calls for usage attribution.
const (
	nodeQueryOrRespond  = "query_or_respond"
	nodeGradeDocuments  = "grade_documents"
	nodeRewriteQuestion = "rewrite_question"
	nodeGenerateAnswer  = "generate_answer"
	nodeSummarize       = "summarize_messages"
)

// tagged labels the outgoing model call with the node and user so
// accounting decorators on the client can attribute its usage.
func (r *runner) tagged(ctx context.Context, node string) context.Context {
	return llm.WithCaller(ctx, llm.Caller{UserID: r.req.UserID, Node: node})
}

// queryOrRespond asks the model for its next move with the retrieval
// tool bound. The hygiene pass writes its repairs back to the state, so
// a broken pair restored from a checkpoint is fixed once rather than on
// every responder call. Only the retrieval mandate stays view-local; the
// persisted state keeps its original system prompt. A reply without a
// tool call is forced into one, so retrieval always precedes answering.
// Returned tool calls have their query argument pinned to the current
// query.
func (r *runner) queryOrRespond(ctx context.Context) (llm.Message, error) {
	r.state.Messages = cleanToolCalls(r.state.Messages)
	view := withMandate(r.state.Messages)

	resp, err := r.g.client.Generate(r.tagged(ctx, nodeQueryOrRespond), view, llm.WithTools([]llm.Tool{retrieveTool()}))
	if err != nil {
		return llm.Message{}, err
	}
	r.addUsage(resp)

	out := resp.Message
	if out.HasToolCalls() {
		if q := r.state.CurrentQuery; q != "" {
			calls := make([]llm.ToolCall, len(out.ToolCalls))
			copy(calls, out.ToolCalls)
			for i := range calls {
				calls[i].Arguments = queryArguments(q)
			}
			out.ToolCalls = calls
		}
	} else {
		query := r.state.CurrentQuery
		if query == "" {
			query = fallbackQuery(view)
		}
		slog.Warn("model skipped the retrieval tool, forcing a call",
			slog.String("user_id", r.req.UserID))
		out = llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:        uuid.NewString(),
				Name:      retrieveToolName,
				Arguments: queryArguments(query),
			}},
		}
	}

	r.state.Messages = applyMessages(r.state.Messages, []llm.Message{out})
	return out, nil
}

// runRetrieval answers every tool call on the assistant turn. The
// documents of the last call back the retrieved_docs payload.
func (r *runner) runRetrieval(ctx context.Context, calls []llm.ToolCall) error {
	for _, call := range calls {
		query := r.state.CurrentQuery
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err == nil && args.Query != "" {
			query = args.Query
		}

		res, err := r.g.docs.Retrieve(ctx, r.req.UserID, query)
		if err != nil {
			return err
		}
		r.docs = res.Documents
		r.state.Messages = applyMessages(r.state.Messages, []llm.Message{llm.ToolResult(call.ID, res.Text)})
	}
	return nil
}

// gradeDocuments judges whether the latest retrieval serves the current
// query. An unparseable or empty verdict counts as not relevant.
func (r *runner) gradeDocuments(ctx context.Context) (bool, error) {
	var docsText string
	if n := len(r.state.Messages); n > 0 {
		docsText = r.state.Messages[n-1].Content
	}
	prompt := fmt.Sprintf(gradePrompt, docsText, r.state.CurrentQuery)

	resp, err := r.g.client.Generate(r.tagged(ctx, nodeGradeDocuments), []llm.Message{llm.User(prompt)}, llm.WithTemperature(0))
	if err != nil {
		return false, errors.Wrap(errors.KindGraderFailed, err)
	}
	r.addUsage(resp)

	verdict := parseVerdict(resp.Message.Content)
	slog.Debug("graded retrieved context",
		slog.String("verdict", verdict),
		slog.Int("retry", r.state.RetryCount))
	return verdict == "yes", nil
}

// rewriteQuestion reformulates the current query for another retrieval
// attempt and burns one retry. The rewritten text joins the history as
// a user message.
func (r *runner) rewriteQuestion(ctx context.Context) error {
	prompt := fmt.Sprintf(rewritePrompt, r.state.CurrentQuery)
	resp, err := r.g.client.Generate(r.tagged(ctx, nodeRewriteQuestion), []llm.Message{llm.User(prompt)})
	if err != nil {
		return err
	}
	r.addUsage(resp)

	rewritten := extractRewrite(resp.Message.Content)
	r.state.CurrentQuery = rewritten
	r.state.RetryCount++
	r.state.Messages = applyMessages(r.state.Messages, []llm.Message{llm.User(rewritten)})

	slog.Info("rewrote question for retry",
		slog.String("query", rewritten),
		slog.Int("retry", r.state.RetryCount))
	return nil
}

// generateAnswer produces the final reply. With the budget spent and
// nothing relevant found it explains the miss instead of answering from
// context. Tokens stream to the caller as the provider emits them.
func (r *runner) generateAnswer(ctx context.Context) (string, error) {
	var prompt string
	if r.state.NoRelevantFound {
		prompt = fmt.Sprintf(noContentPrompt, r.state.CurrentQuery)
	} else {
		var docsText string
		if n := len(r.state.Messages); n > 0 {
			docsText = r.state.Messages[n-1].Content
		}
		prompt = fmt.Sprintf(generatePrompt, r.state.CurrentQuery, docsText)
	}

	var opts []llm.Option
	if r.req.OnToken != nil {
		opts = append(opts, llm.WithStream(r.req.OnToken))
	}
	resp, err := r.g.client.Generate(r.tagged(ctx, nodeGenerateAnswer), []llm.Message{llm.User(prompt)}, opts...)
	if err != nil {
		return "", err
	}
	r.addUsage(resp)

	answer := resp.Message.Content
	r.state.Messages = applyMessages(r.state.Messages, []llm.Message{llm.Assistant(answer)})
	r.state.RetryCount = 0
	r.state.NoRelevantFound = false
	return answer, nil
}

// withMandate builds the prompt view: system messages move to the
// front and the first one absorbs the retrieval mandate, so a summary
// section carried there survives. Without a system message the mandate
// is prepended on its own.
func withMandate(msgs []llm.Message) []llm.Message {
	var systems, rest []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			systems = append(systems, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(systems) == 0 {
		out := make([]llm.Message, 0, len(msgs)+1)
		out = append(out, llm.System(systemMandate))
		return append(out, msgs...)
	}
	systems[0] = llm.System(systems[0].Content + "\n\n" + systemMandate)
	return append(systems, rest...)
}

// fallbackQuery picks a query for a forced tool call: the last
// message's text, else the newest user message with any.
func fallbackQuery(msgs []llm.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	if c := msgs[len(msgs)-1].Content; c != "" {
		return c
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func queryArguments(query string) string {
	b, _ := json.Marshal(struct {
		Query string `json:"query"`
	}{query})
	return string(b)
}

// parseVerdict extracts the binary relevance score from a free-text
// reply. Anything that does not clearly say yes reads as no.
func parseVerdict(reply string) string {
	s := strings.ToLower(strings.TrimSpace(reply))
	switch {
	case strings.HasPrefix(s, "yes"):
		return "yes"
	case strings.HasPrefix(s, "no"):
		return "no"
	case strings.Contains(s, "yes") && !strings.Contains(s, "no"):
		return "yes"
	default:
		return "no"
	}
}

// rewritePrefixes are chatty lead-ins models add despite instructions.
var rewritePrefixes = []string{
	"Improved question:",
	"Refined question:",
	"Here is the improved question:",
	"The improved question is:",
	"**Improved question:**",
	"**Refined question:**",
}

// extractRewrite reduces a model reply to a single search query: known
// prefixes stripped, first non-empty line, cut at the first sentence
// when it runs past 200 runes. A reply with no usable line falls back
// to the first 300 runes of the whole text.
func extractRewrite(reply string) string {
	text := strings.TrimSpace(reply)
	for _, p := range rewritePrefixes {
		if strings.HasPrefix(text, p) {
			text = strings.TrimSpace(text[len(p):])
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > 200 {
			head, _, _ := strings.Cut(line, ".")
			line = strings.TrimSpace(head) + "."
		}
		return line
	}
	return truncateRunes(text, 300)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
