package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sablerun/agentrt/internal/config"
	catalog "github.com/sablerun/agentrt/internal/models"
	"github.com/sablerun/agentrt/pkg/models"
)

// echoTool is a minimal Tool used across loop tests: it never requires
// confirmation and always succeeds unless failN calls are configured to
// fail first.
type echoTool struct {
	name        string
	failFirstN  int
	calls       int
	requireConf bool
}

func (t *echoTool) Spec() ToolSpec {
	return ToolSpec{
		Name:                 t.name,
		Description:          "echo",
		ParameterSchema:      json.RawMessage(`{"type":"object"}`),
		RequiresConfirmation: t.requireConf,
	}
}

func (t *echoTool) Validate(args json.RawMessage) error { return nil }

func (t *echoTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	t.calls++
	if t.calls <= t.failFirstN {
		return &ToolResult{Content: "boom", IsError: true}, nil
	}
	return &ToolResult{Content: "ok"}, nil
}

func drain(t *testing.T, stream *EventStream) []models.Event {
	t.Helper()
	var events []models.Event
	for e := range stream.C() {
		events = append(events, e)
		if e.Kind == models.EventDone {
			break
		}
	}
	return events
}

func newTestLoop(t *testing.T, policy LoopPolicy, generate func(ctx context.Context, req GenerateRequest) (GenerateResult, error), tools ...Tool) *AgentLoop {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register tool: %v", err)
		}
	}

	router := NewRouter(catalog.NewCatalog(), RouterWeights{})
	pipeline := NewFallbackPipeline(router, FallbackPipelineConfig{RetryDelay: time.Millisecond, CircuitBreakerThreshold: 100})
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{name: "anthropic", fn: generate})

	store := NewDecisionTraceStore(100)
	observer := NewFailureObserver(3, store)
	store.SetFailureObserver(observer)
	memory := NewWorkingMemory(WorkingMemoryThresholds{})

	emitter := NewEventEmitter("run-1", NopSink{})
	dispatcher := NewToolDispatcher(registry, emitter, store, &ToolDispatcherConfig{SessionID: "sess-1"})

	rt := NewRuntime(config.Default(), registry, router, store, func() *WorkingMemory { return memory })
	return NewAgentLoop(policy, pipeline, dispatcher, memory, observer, store, emitter, rt.tracer, rt.logger, AgentLoopConfig{
		MaxIterations: 10,
		MaxTokens:     10000,
		SessionID:     "sess-1",
		TaskClass:     TaskQuickQA,
	})
}

func TestAgentLoop_NoToolAnswerCompletesImmediately(t *testing.T) {
	loop := newTestLoop(t, NewBasicAgent(), func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		return GenerateResult{Content: "the answer", StopReason: StopEndTurn}, nil
	})

	events := drain(t, loop.Run(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}))

	var sawContent, sawDone bool
	for _, e := range events {
		if e.Kind == models.EventContent && e.Content.Text == "the answer" {
			sawContent = true
		}
		if e.Kind == models.EventDone {
			sawDone = true
			if e.Done.Status != models.RunCompleted {
				t.Errorf("got status %v, want RunCompleted", e.Done.Status)
			}
		}
	}
	if !sawContent || !sawDone {
		t.Fatalf("expected content+done events, got %+v", events)
	}
}

func TestAgentLoop_SingleToolCallThenAnswer(t *testing.T) {
	tool := &echoTool{name: "lookup"}
	calls := 0
	loop := newTestLoop(t, NewBasicAgent(), func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		calls++
		if calls == 1 {
			return GenerateResult{
				StopReason: StopToolUse,
				ToolCalls:  []models.ToolCall{{ID: "c1", Name: "lookup", Input: json.RawMessage(`{}`)}},
			}, nil
		}
		return GenerateResult{Content: "done", StopReason: StopEndTurn}, nil
	}, tool)

	events := drain(t, loop.Run(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}))

	var sawResult, sawContent bool
	for _, e := range events {
		if e.Kind == models.EventToolResult && e.ToolResult.Status == models.ToolResultSuccess {
			sawResult = true
		}
		if e.Kind == models.EventContent {
			sawContent = true
		}
	}
	if !sawResult || !sawContent {
		t.Fatalf("expected a successful tool result followed by content, got %+v", events)
	}
	if tool.calls != 1 {
		t.Errorf("expected tool to be called once, got %d", tool.calls)
	}
}

func TestAgentLoop_ConcurrentBatchStreamingEmitsProgress(t *testing.T) {
	toolA := &echoTool{name: "a"}
	toolB := &echoTool{name: "b"}
	calls := 0
	loop := newTestLoop(t, NewBasicAgent(), func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		calls++
		if calls == 1 {
			return GenerateResult{
				StopReason: StopToolUse,
				ToolCalls: []models.ToolCall{
					{ID: "c1", Name: "a", Input: json.RawMessage(`{}`)},
					{ID: "c2", Name: "b", Input: json.RawMessage(`{}`)},
				},
			}, nil
		}
		return GenerateResult{Content: "done", StopReason: StopEndTurn}, nil
	}, toolA, toolB)

	events := drain(t, loop.Run(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}))

	var progressSeen int
	for _, e := range events {
		if e.Kind == models.EventToolResult && e.ToolResult.Progress != "" {
			progressSeen++
		}
	}
	if progressSeen != 2 {
		t.Fatalf("expected 2 progress-annotated tool results, got %d (events=%+v)", progressSeen, events)
	}
}

func TestAgentLoop_ThreeStrikeAbortTriggersReboot(t *testing.T) {
	tool := &echoTool{name: "flaky", failFirstN: 10}
	calls := 0
	loop := newTestLoop(t, NewBasicAgent(), func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		calls++
		if calls <= 4 {
			return GenerateResult{
				StopReason: StopToolUse,
				ToolCalls:  []models.ToolCall{{ID: "c1", Name: "flaky", Input: json.RawMessage(`{}`)}},
			}, nil
		}
		return GenerateResult{Content: "recovered", StopReason: StopEndTurn}, nil
	}, tool)

	events := drain(t, loop.Run(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}))

	var sawReboot bool
	for _, e := range events {
		if e.Kind == models.EventStatus && e.Status.Text == "3-strike reboot triggered" {
			sawReboot = true
		}
	}
	if !sawReboot {
		t.Fatalf("expected a 3-strike reboot status event, got %+v", events)
	}
}

func TestAgentLoop_RouterFallbackWithCircuitBreaker(t *testing.T) {
	registry := NewToolRegistry()
	router := NewRouter(catalog.NewCatalog(), RouterWeights{})
	pipeline := NewFallbackPipeline(router, FallbackPipelineConfig{
		DeclaredFallbackChain:   []string{"gpt-4o-mini"},
		RetryDelay:              time.Millisecond,
		CircuitBreakerThreshold: 2,
		CircuitBreakerWindow:    time.Hour,
	})
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{fn: alwaysFails(context.DeadlineExceeded)})
	pipeline.RegisterClient("gpt-4o-mini", &fakeModelClient{fn: alwaysSucceeds("from fallback")})

	store := NewDecisionTraceStore(100)
	observer := NewFailureObserver(3, store)
	store.SetFailureObserver(observer)
	memory := NewWorkingMemory(WorkingMemoryThresholds{})
	emitter := NewEventEmitter("run-1", NopSink{})
	dispatcher := NewToolDispatcher(registry, emitter, store, &ToolDispatcherConfig{SessionID: "sess-1"})
	rt := NewRuntime(config.Default(), registry, router, store, func() *WorkingMemory { return memory })

	loop := NewAgentLoop(NewBasicAgent(), pipeline, dispatcher, memory, observer, store, emitter, rt.tracer, rt.logger, AgentLoopConfig{
		MaxIterations: 10,
		MaxTokens:     10000,
		SessionID:     "sess-1",
		TaskClass:     TaskQuickQA,
	})

	events := drain(t, loop.Run(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}))

	var sawContent bool
	for _, e := range events {
		if e.Kind == models.EventContent && e.Content.Text == "from fallback" {
			sawContent = true
		}
	}
	if !sawContent {
		t.Fatalf("expected the fallback model's content to surface, got %+v", events)
	}
}

func TestAgentLoop_ContextClearSubstitutesMessageHistory(t *testing.T) {
	loop := newTestLoop(t, NewBasicAgent(), func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		return GenerateResult{Content: "final", StopReason: StopEndTurn}, nil
	})
	loop.memory = NewWorkingMemory(WorkingMemoryThresholds{MaxMessages: 1})
	loop.memory.WritePlan("investigate the thing")

	longHistory := []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "second"},
		{Role: models.RoleUser, Content: "third"},
	}
	events := drain(t, loop.Run(context.Background(), longHistory))

	var sawClear bool
	for _, e := range events {
		if e.Kind == models.EventStatus && e.Status.Text == "context cleared and compacted" {
			sawClear = true
		}
	}
	if !sawClear {
		t.Fatalf("expected a context-cleared status event, got %+v", events)
	}
}
