package models

import "encoding/json"

// Role indicates the author of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one chat turn in AgentContext.Messages. Tool calls proposed by
// the assistant and the tool results satisfying them are both represented
// as messages so the full transcript round-trips through a ModelClient.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is the model's request to invoke a tool (§4.2). ID is supplied
// by the model, or synthesized by the dispatcher when absent (§9 Q2).
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one ToolCall, fed back to the model as the
// next message in the transcript.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
