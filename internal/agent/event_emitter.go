package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sablerun/agentrt/pkg/models"
)

// EventEmitter generates and sequences Events for one run and dispatches
// them to a sink (a bounded channel, a plugin registry, or both). Sequence
// is strictly increasing within a run, as models.Event documents.
type EventEmitter struct {
	runID    string
	sequence uint64 // atomic counter for monotonic sequencing
	sink     EventSink
}

// NewEventEmitter creates an emitter for runID. If sink is nil, a NopSink is used.
func NewEventEmitter(runID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{runID: runID, sink: sink}
}

// NewEventEmitterWithPlugins wraps a plugin registry as this emitter's sink.
func NewEventEmitterWithPlugins(runID string, plugins *PluginRegistry) *EventEmitter {
	return NewEventEmitter(runID, NewPluginSink(plugins))
}

func (e *EventEmitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *EventEmitter) base(kind models.EventKind) models.Event {
	return models.Event{
		Version:  1,
		Kind:     kind,
		Time:     time.Now(),
		Sequence: e.nextSeq(),
		RunID:    e.runID,
	}
}

func (e *EventEmitter) emit(ctx context.Context, event models.Event) models.Event {
	if e.sink != nil {
		e.sink.Emit(ctx, event)
	}
	return event
}

// Thinking emits a partial chunk of model "thinking" text.
func (e *EventEmitter) Thinking(ctx context.Context, text string) models.Event {
	event := e.base(models.EventThinking)
	event.Thinking = &models.ThinkingPayload{Text: text}
	return e.emit(ctx, event)
}

// ToolCall emits a tool call entering Pending or Running status.
func (e *EventEmitter) ToolCall(ctx context.Context, callID, toolName string, args map[string]any, status models.ToolCallStatus) models.Event {
	event := e.base(models.EventToolCall)
	event.ToolCall = &models.ToolCallEventPayload{CallID: callID, ToolName: toolName, Args: args, Status: status}
	return e.emit(ctx, event)
}

// ToolResult emits the outcome of a completed or cancelled tool call.
func (e *EventEmitter) ToolResult(ctx context.Context, callID string, status models.ToolResultStatus, result, errMsg, progress string) models.Event {
	event := e.base(models.EventToolResult)
	event.ToolResult = &models.ToolResultEventPayload{CallID: callID, Status: status, Result: result, Error: errMsg, Progress: progress}
	return e.emit(ctx, event)
}

// Content emits a chunk of the streamed final answer.
func (e *EventEmitter) Content(ctx context.Context, text string) models.Event {
	event := e.base(models.EventContent)
	event.Content = &models.ContentPayload{Text: text}
	return e.emit(ctx, event)
}

// ConfirmRequired emits a tool call suspended pending operator approval.
func (e *EventEmitter) ConfirmRequired(ctx context.Context, actionID, toolName string, args map[string]any, description string) models.Event {
	event := e.base(models.EventConfirmRequired)
	event.ConfirmRequired = &models.ConfirmRequiredPayload{ActionID: actionID, ToolName: toolName, Args: args, Description: description}
	return e.emit(ctx, event)
}

// Status emits an operator-readable one-liner.
func (e *EventEmitter) Status(ctx context.Context, text string) models.Event {
	event := e.base(models.EventStatus)
	event.Status = &models.StatusPayload{Text: text}
	return e.emit(ctx, event)
}

// Error emits a standardized error report. kind names one of the closed
// taxonomy's string forms (§7); err, when non-nil, is preserved for
// errors.Is/errors.As but not serialized.
func (e *EventEmitter) Error(ctx context.Context, kind, message string, recoverable bool, err error) models.Event {
	event := e.base(models.EventError)
	event.Error = &models.ErrorPayload{Kind: kind, Message: message, Recoverable: recoverable, Err: err}
	return e.emit(ctx, event)
}

// Done emits the run's terminal event. Callers must treat this as the last
// event emitted and close the underlying channel immediately after.
func (e *EventEmitter) Done(ctx context.Context, status models.RunStatus, iterations, tokensUsed int, messageID string) models.Event {
	event := e.base(models.EventDone)
	event.Done = &models.DonePayload{Status: status, Iterations: iterations, TokensUsed: tokensUsed, MessageID: messageID}
	return e.emit(ctx, event)
}

// StatsCollector accumulates RunStats by observing the event stream, used by
// diagnostics and the `trace` CLI subcommand's summary view.
type StatsCollector struct {
	stats      models.RunStats
	toolStarts map[string]time.Time
}

// NewStatsCollector creates a stats collector for runID.
func NewStatsCollector(runID string) *StatsCollector {
	return &StatsCollector{
		stats:      models.RunStats{RunID: runID, StartedAt: time.Now()},
		toolStarts: make(map[string]time.Time),
	}
}

// OnEvent processes one event, updating the accumulated statistics.
func (c *StatsCollector) OnEvent(ctx context.Context, e models.Event) {
	switch e.Kind {
	case models.EventToolCall:
		if e.ToolCall != nil && e.ToolCall.Status == models.ToolCallRunning {
			c.stats.ToolCalls++
			c.toolStarts[e.ToolCall.CallID] = e.Time
		}

	case models.EventToolResult:
		if e.ToolResult != nil {
			if start, ok := c.toolStarts[e.ToolResult.CallID]; ok {
				c.stats.ToolWallTime += e.Time.Sub(start)
				delete(c.toolStarts, e.ToolResult.CallID)
			}
			switch e.ToolResult.Status {
			case models.ToolResultErrorStat:
				c.stats.Errors++
			case models.ToolResultCancelled:
				c.stats.Cancelled = true
			}
		}

	case models.EventError:
		c.stats.Errors++

	case models.EventDone:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
		if e.Done != nil {
			c.stats.Iterations = e.Done.Iterations
			c.stats.OutputTokens = e.Done.TokensUsed
			if e.Done.Status == models.RunAborted {
				c.stats.Cancelled = true
			}
		}
	}
}

// Stats returns a copy of the accumulated statistics.
func (c *StatsCollector) Stats() *models.RunStats {
	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return &stats
}
