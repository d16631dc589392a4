package graph

import "github.com/lorekeep/lorekeep/internal/llm"

// retrieveToolName is the single tool bound to the responder model.
const retrieveToolName = "retrieve_documents"

// retrieveTool describes the retrieval tool in provider-neutral form.
func retrieveTool() llm.Tool {
	return llm.Tool{
		Name:        retrieveToolName,
		Description: "检索文档并返回格式化结果。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	}
}

// systemMandate is layered onto the prompt for every responder call so
// the model retrieves before answering. It is never persisted into the
// conversation state.
const systemMandate = "你是一个 RAG（检索增强生成）助手。" +
	"在回答任何用户问题之前，你必须始终使用 retrieve_documents 工具来搜索信息。" +
	"不要在没有检索的情况下直接回答。始终首先调用 retrieve_documents 工具来搜索知识库。"

// gradePrompt takes the retrieved context first, then the question.
const gradePrompt = `你是一个评估文档相关性的评分员。请评估检索到的文档是否与用户问题相关。

检索到的文档内容：
%s

用户问题：%s

**判断标准：**
- 如果文档包含直接回答或与核心问题相关的信息，返回 'yes'，即使文档没有提到问题中的所有细节（例如，具体的人名）。
- 如果文档涉及主要主题或提供相关信息，返回 'yes'。
- 只有当文档与问题完全无关或不相关时，才返回 'no'。

**示例：**
- 问题：'张三对人工智能有什么看法？' 文档：'人工智能可以用于自动化。' → 'yes'（相关，回答了主题）
- 问题：'X有哪些类型？' 文档：'X有两种类型：A和B。' → 'yes'（直接回答了问题）
- 问题：'今天天气怎么样？' 文档：'烹饪食谱。' → 'no'（完全无关）

请给出二元评分 'yes' 或 'no' 来表示相关性。`

// rewritePrompt takes the question to reformulate.
const rewritePrompt = "你是一个问题重写助手。你的任务是将用户的问题重写为更具体、更易搜索的形式。\n\n" +
	"原始问题：\n ------- \n%s\n ------- \n\n" +
	"**重要提示**：只返回改进后的问题文本，不要包含其他内容。" +
	"不要包含任何分析、解释或评论。" +
	"不要包含类似'改进后的问题：'或'这是改进版本：'这样的短语。" +
	"只返回重写后的问题本身，作为一个清晰、可搜索的查询。\n\n" +
	"改进后的问题："

// generatePrompt takes the question first, then the retrieved context.
const generatePrompt = "你是一个问答助手。请使用以下检索到的上下文内容来回答问题。\n\n" +
	"**指令：**\n" +
	"- 如果上下文包含足够的信息来回答问题，请提供清晰简洁的答案，不要有废话。\n" +
	"- 如果上下文只包含标题、标题或目录而没有实际内容，你应该指出检索到的信息不足，并建议可能需要更具体的搜索。\n\n" +
	"问题：%s \n\n" +
	"上下文：%s\n\n" +
	"答案："

// noContentPrompt takes the question the retry budget was spent on.
const noContentPrompt = `用户问题: %s

经过多次尝试，我无法在提供的文档中找到与用户问题相关的内容。请生成一个友好的回复，告知用户未找到相关内容，并建议用户重新表述问题或确认文档中是否包含相关信息。回复应该简洁、友好，不超过3句话。`

// summaryPrompt takes the formatted history, the token ceiling, and
// the approximate character ceiling (tokens times two).
const summaryPrompt = `请总结以下对话历史，保留关键信息和上下文，以便后续对话能够继续。

对话历史：
%s

请生成一个简洁的总结，包含：
1. 讨论的主要话题
2. 用户的关键问题和需求
3. 已提供的重要信息或答案

**重要限制**：总结内容不能超过 %d tokens（约 %d 个中文字符）。请确保总结简洁、精炼，只保留最关键的信息。

总结：`
