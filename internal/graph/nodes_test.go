package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/llm"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{name: "bare yes", reply: "yes", want: "yes"},
		{name: "yes with commentary", reply: "Yes, the documents cover the question.", want: "yes"},
		{name: "padded uppercase yes", reply: "  YES  ", want: "yes"},
		{name: "bare no", reply: "no", want: "no"},
		{name: "no with commentary", reply: "No. The context is unrelated.", want: "no"},
		{name: "embedded yes", reply: "I believe the answer is yes", want: "yes"},
		{name: "ambiguous reads as no", reply: "The answer is yes, not really", want: "no"},
		{name: "unparseable reads as no", reply: "相关性不明", want: "no"},
		{name: "empty reads as no", reply: "", want: "no"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseVerdict(tt.reply))
		})
	}
}

func TestExtractRewrite(t *testing.T) {
	longLine := strings.Repeat("块", 150) + ". " + strings.Repeat("区", 100)

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name:  "plain question passes through",
			reply: "父子分块策略是如何工作的?",
			want:  "父子分块策略是如何工作的?",
		},
		{
			name:  "known prefix stripped",
			reply: "Improved question: 父子分块如何切分文档?",
			want:  "父子分块如何切分文档?",
		},
		{
			name:  "bold prefix stripped",
			reply: "**Refined question:** 父块与子块的映射关系",
			want:  "父块与子块的映射关系",
		},
		{
			name:  "first non-empty line wins",
			reply: "Here is the improved question:\n\n向量检索如何融合关键词检索?\n其余解释忽略。",
			want:  "向量检索如何融合关键词检索?",
		},
		{
			name:  "overlong line cut at first sentence",
			reply: longLine,
			want:  strings.Repeat("块", 150) + ".",
		},
		{
			name:  "overlong line without period gains one",
			reply: strings.Repeat("长", 201),
			want:  strings.Repeat("长", 201) + ".",
		},
		{
			name:  "empty reply stays empty",
			reply: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractRewrite(tt.reply))
		})
	}
}

func TestWithMandate_PrependsWhenNoSystem(t *testing.T) {
	msgs := []llm.Message{llm.User("什么是父子分块?")}

	got := withMandate(msgs)

	require.Len(t, got, 2)
	assert.Equal(t, llm.RoleSystem, got[0].Role)
	assert.Equal(t, systemMandate, got[0].Content)
	assert.Equal(t, "什么是父子分块?", got[1].Content)
}

func TestWithMandate_MergePreservesSummary(t *testing.T) {
	// Given a system prompt carrying a conversation summary
	existing := "你是知识库助手。\n\n" + SummaryMarker + "\n早前讨论了分块策略。"
	msgs := []llm.Message{
		llm.System(existing),
		llm.User("继续上次的话题"),
	}

	// When building the prompt view
	got := withMandate(msgs)

	// Then the summary stays and the mandate lands at the end
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Content, SummaryMarker)
	assert.Contains(t, got[0].Content, "早前讨论了分块策略。")
	assert.True(t, strings.HasSuffix(got[0].Content, systemMandate))
}

func TestWithMandate_SystemsMoveToFront(t *testing.T) {
	msgs := []llm.Message{
		llm.User("问题"),
		llm.System("第一条指令"),
		llm.System("第二条指令"),
	}

	got := withMandate(msgs)

	require.Len(t, got, 3)
	assert.True(t, strings.HasPrefix(got[0].Content, "第一条指令"))
	assert.Equal(t, "第二条指令", got[1].Content)
	assert.Equal(t, llm.RoleUser, got[2].Role)
}

func TestFallbackQuery(t *testing.T) {
	tests := []struct {
		name string
		msgs []llm.Message
		want string
	}{
		{
			name: "empty history",
			msgs: nil,
			want: "",
		},
		{
			name: "last message content wins",
			msgs: []llm.Message{llm.User("第一问"), llm.Assistant("模型的回复")},
			want: "模型的回复",
		},
		{
			name: "falls back to newest user message",
			msgs: []llm.Message{llm.User("旧问题"), llm.User("新问题"), llm.Assistant("")},
			want: "新问题",
		},
		{
			name: "nothing usable",
			msgs: []llm.Message{llm.Assistant("")},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fallbackQuery(tt.msgs))
		})
	}
}

func TestQueryArguments(t *testing.T) {
	assert.Equal(t, `{"query":"父子分块"}`, queryArguments("父子分块"))
	assert.Equal(t, `{"query":""}`, queryArguments(""))
}
