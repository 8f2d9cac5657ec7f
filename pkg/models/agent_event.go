// Package models defines the data types shared across the runtime: the
// Event tagged union streamed to callers, chat messages, tool records, and
// working-memory file contents.
package models

import "time"

// EventKind discriminates the tagged union emitted on a run's EventStream.
// Exactly one payload field on Event is non-nil for a given Kind.
type EventKind string

const (
	EventThinking        EventKind = "thinking"
	EventToolCall        EventKind = "tool_call"
	EventToolResult      EventKind = "tool_result"
	EventContent         EventKind = "content"
	EventConfirmRequired EventKind = "confirm_required"
	EventStatus          EventKind = "status"
	EventError           EventKind = "error"
	EventDone            EventKind = "done"
)

// Event is the single external event type a consumer of AgentLoop.Run
// receives. Version and Sequence follow the same forward-compatibility and
// monotonic-ordering conventions as the teacher's AgentEvent: add fields,
// never rename or remove; Sequence is assigned by the emitter and is
// strictly increasing within one run.
type Event struct {
	Version  int       `json:"version"`
	Kind     EventKind `json:"kind"`
	Time     time.Time `json:"time"`
	Sequence uint64    `json:"seq"`
	RunID    string    `json:"run_id,omitempty"`

	Thinking        *ThinkingPayload        `json:"thinking,omitempty"`
	ToolCall        *ToolCallEventPayload   `json:"tool_call,omitempty"`
	ToolResult      *ToolResultEventPayload `json:"tool_result,omitempty"`
	Content         *ContentPayload         `json:"content,omitempty"`
	ConfirmRequired *ConfirmRequiredPayload `json:"confirm_required,omitempty"`
	Status          *StatusPayload          `json:"status,omitempty"`
	Error           *ErrorPayload           `json:"error,omitempty"`
	Done            *DonePayload            `json:"done,omitempty"`
}

// ThinkingPayload carries a partial streaming chunk of model "thinking" text.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// ToolCallStatus is the admission status of a tool call (§3 ToolCallRecord).
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallRunning ToolCallStatus = "running"
)

// ToolCallEventPayload announces that a tool call has entered Pending or
// Running status. Args is the raw JSON input the model supplied.
type ToolCallEventPayload struct {
	CallID   string         `json:"call_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
	Status   ToolCallStatus `json:"status"`
}

// ToolResultStatus is the terminal status of a tool call.
type ToolResultStatus string

const (
	ToolResultSuccess   ToolResultStatus = "success"
	ToolResultErrorStat ToolResultStatus = "error"
	ToolResultCancelled ToolResultStatus = "cancelled"
)

// ToolResultEventPayload carries the outcome of a completed (or cancelled)
// tool call. Progress is set only in Streaming batch mode ("k/N").
type ToolResultEventPayload struct {
	CallID   string           `json:"call_id"`
	Status   ToolResultStatus `json:"status"`
	Result   string           `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Progress string           `json:"progress,omitempty"`
}

// ContentPayload carries a chunk of the streamed final answer.
type ContentPayload struct {
	Text string `json:"text"`
}

// ConfirmRequiredPayload announces a tool call awaiting operator approval.
type ConfirmRequiredPayload struct {
	ActionID    string         `json:"action_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// StatusPayload is an operator-readable one-liner (batch progress, etc.).
type StatusPayload struct {
	Text string `json:"text"`
}

// ErrorPayload standardizes error reporting on the stream. Kind names one
// of the error kinds in the closed taxonomy (§7); Err preserves the
// original Go error for errors.Is/errors.As and is not serialized.
type ErrorPayload struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Err         error  `json:"-"`
}

// RunStatus is the terminal disposition of a run (Done.Status).
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunAborted   RunStatus = "aborted"
)

// DonePayload is always the final event of a run; the channel is closed
// immediately after it is delivered.
type DonePayload struct {
	Status     RunStatus `json:"status"`
	Iterations int       `json:"iterations"`
	TokensUsed int       `json:"tokens_used"`
	MessageID  string    `json:"message_id,omitempty"`
}

// RunStats aggregates counters over a run's event stream, mirroring the
// fields a caller typically wants for observability without replaying the
// whole stream.
type RunStats struct {
	RunID         string        `json:"run_id,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
	WallTime      time.Duration `json:"wall_time,omitempty"`
	Iterations    int           `json:"iterations,omitempty"`
	ToolCalls     int           `json:"tool_calls,omitempty"`
	ToolWallTime  time.Duration `json:"tool_wall_time,omitempty"`
	ToolTimeouts  int           `json:"tool_timeouts,omitempty"`
	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`
	Errors        int           `json:"errors,omitempty"`
	Cancelled     bool          `json:"cancelled,omitempty"`
}
