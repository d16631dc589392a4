package llm

import "strings"

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an assistant's request to run a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation turn. The same shape is stored in
// checkpoints, so field changes need a think about old payloads: unknown
// fields are dropped, missing ones zero out.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds a plain assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResult builds a tool message answering the given call.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// HasToolCalls reports whether the message requests any tools.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// IsEmpty reports whether the message carries neither text nor calls.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0
}
