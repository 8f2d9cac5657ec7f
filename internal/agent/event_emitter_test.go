package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/sablerun/agentrt/pkg/models"
)

func collectingSink() (*CallbackSink, func() []models.Event) {
	var events []models.Event
	sink := NewCallbackSink(func(ctx context.Context, e models.Event) {
		events = append(events, e)
	})
	return sink, func() []models.Event { return events }
}

func TestEventEmitter_SequenceIsMonotonic(t *testing.T) {
	sink, events := collectingSink()
	e := NewEventEmitter("run-1", sink)

	e.Thinking(context.Background(), "a")
	e.Content(context.Background(), "b")
	e.Status(context.Background(), "c")

	got := events()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sequence <= got[i-1].Sequence {
			t.Errorf("sequence not strictly increasing: %d <= %d", got[i].Sequence, got[i-1].Sequence)
		}
	}
	for _, e := range got {
		if e.RunID != "run-1" {
			t.Errorf("RunID = %q, want run-1", e.RunID)
		}
	}
}

func TestEventEmitter_Thinking(t *testing.T) {
	sink, events := collectingSink()
	e := NewEventEmitter("run-1", sink)

	e.Thinking(context.Background(), "reviewing plan")

	got := events()[0]
	if got.Kind != models.EventThinking || got.Thinking == nil || got.Thinking.Text != "reviewing plan" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestEventEmitter_ToolCallAndResult(t *testing.T) {
	sink, events := collectingSink()
	e := NewEventEmitter("run-1", sink)

	e.ToolCall(context.Background(), "call-1", "read_file", map[string]any{"path": "a.go"}, models.ToolCallPending)
	e.ToolCall(context.Background(), "call-1", "read_file", map[string]any{"path": "a.go"}, models.ToolCallRunning)
	e.ToolResult(context.Background(), "call-1", models.ToolResultSuccess, "contents", "", "")

	got := events()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].ToolCall.Status != models.ToolCallPending {
		t.Errorf("expected pending first, got %v", got[0].ToolCall.Status)
	}
	if got[1].ToolCall.Status != models.ToolCallRunning {
		t.Errorf("expected running second, got %v", got[1].ToolCall.Status)
	}
	if got[2].ToolResult.Status != models.ToolResultSuccess {
		t.Errorf("expected success result, got %v", got[2].ToolResult.Status)
	}
}

func TestEventEmitter_ConfirmRequired(t *testing.T) {
	sink, events := collectingSink()
	e := NewEventEmitter("run-1", sink)

	e.ConfirmRequired(context.Background(), "action-1", "delete_file", map[string]any{"path": "a.go"}, "deletes a.go")

	got := events()[0]
	if got.Kind != models.EventConfirmRequired || got.ConfirmRequired.ActionID != "action-1" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestEventEmitter_Error(t *testing.T) {
	sink, events := collectingSink()
	e := NewEventEmitter("run-1", sink)

	cause := errors.New("boom")
	e.Error(context.Background(), string(ToolTimeoutFail), "tool timed out", true, cause)

	got := events()[0]
	if got.Kind != models.EventError {
		t.Fatalf("expected error event, got %v", got.Kind)
	}
	if !errors.Is(got.Error.Err, cause) {
		t.Error("original error should be preserved for errors.Is")
	}
	if !got.Error.Recoverable {
		t.Error("expected recoverable=true")
	}
}

func TestEventEmitter_Done(t *testing.T) {
	sink, events := collectingSink()
	e := NewEventEmitter("run-1", sink)

	e.Done(context.Background(), models.RunCompleted, 5, 1200, "msg-1")

	got := events()[0]
	if got.Kind != models.EventDone || got.Done.Status != models.RunCompleted || got.Done.Iterations != 5 {
		t.Errorf("unexpected done event: %+v", got)
	}
}

func TestEventEmitterWithPlugins(t *testing.T) {
	registry := NewPluginRegistry()
	var count int
	registry.Use(PluginFunc(func(ctx context.Context, e models.Event) { count++ }))

	e := NewEventEmitterWithPlugins("run-1", registry)
	e.Status(context.Background(), "hello")

	if count != 1 {
		t.Errorf("expected plugin to receive 1 event, got %d", count)
	}
}

func TestStatsCollector_TracksToolCallsAndErrors(t *testing.T) {
	collector := NewStatsCollector("run-1")
	ctx := context.Background()

	collector.OnEvent(ctx, models.Event{Kind: models.EventToolCall, ToolCall: &models.ToolCallEventPayload{CallID: "1", Status: models.ToolCallRunning}})
	collector.OnEvent(ctx, models.Event{Kind: models.EventToolResult, ToolResult: &models.ToolResultEventPayload{CallID: "1", Status: models.ToolResultErrorStat}})
	collector.OnEvent(ctx, models.Event{Kind: models.EventDone, Done: &models.DonePayload{Status: models.RunCompleted, Iterations: 3, TokensUsed: 500}})

	stats := collector.Stats()
	if stats.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", stats.ToolCalls)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", stats.Iterations)
	}
	if stats.OutputTokens != 500 {
		t.Errorf("OutputTokens = %d, want 500", stats.OutputTokens)
	}
}
