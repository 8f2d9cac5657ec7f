package agent

import (
	"context"

	"github.com/sablerun/agentrt/pkg/models"
)

// ModelClient is the vendor-neutral boundary between AgentLoop and a
// concrete LLM backend (§4.2). Implementations live under providers/ and
// are the only files permitted to speak a vendor's wire format; nothing
// else in this package imports a vendor SDK.
type ModelClient interface {
	// Generate performs one unary completion. The runtime uses only the
	// first entry of ToolCalls when several are returned (single-tool-
	// per-step policy); implementations may return more without breaking
	// the contract.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)

	// Stream performs one completion, delivering text as it is produced.
	// The channel is closed when generation finishes or ctx is cancelled;
	// a non-nil error on the final StreamChunk means the stream ended
	// abnormally and no further chunks follow.
	Stream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error)

	// Name identifies the backend for routing and trace records (e.g.
	// "anthropic", "openai", "bedrock").
	Name() string
}

// GenerateRequest is the vendor-neutral input to ModelClient.Generate/Stream.
type GenerateRequest struct {
	Messages  []models.Message `json:"messages"`
	System    string           `json:"system,omitempty"`
	Tools     []ToolSpec       `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Model     string           `json:"model,omitempty"`
}

// StopReason is why generation ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage reports token accounting for one Generate call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerateResult is the vendor-neutral output of ModelClient.Generate.
type GenerateResult struct {
	Content    string           `json:"content,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason       `json:"stop_reason"`
	Usage      Usage            `json:"usage"`
}

// StreamChunk is one increment of a Stream response. Exactly one of Text,
// ToolCall or Done is meaningful; Err is set only on the terminal chunk of
// an abnormally ended stream.
type StreamChunk struct {
	Text     string           `json:"text,omitempty"`
	Thinking string           `json:"thinking,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Usage    Usage            `json:"usage,omitempty"`
	Err      error            `json:"-"`
}
