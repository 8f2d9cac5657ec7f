package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sablerun/agentrt/pkg/models"
)

func newTestDispatcher(t *testing.T, cfg *ToolDispatcherConfig) (*ToolDispatcher, *ToolRegistry, func() []models.Event) {
	t.Helper()
	registry := NewToolRegistry()
	sink, events := collectingSink()
	emitter := NewEventEmitter("run-1", sink)
	trace := NewDecisionTraceStore(100)
	return NewToolDispatcher(registry, emitter, trace, cfg), registry, events
}

func TestToolDispatcher_ExecuteOne_Success(t *testing.T) {
	d, registry, events := newTestDispatcher(t, nil)
	registry.Register(&mockTool{name: "read_file", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "contents"}, nil
	}})

	got := d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "call-1", ToolName: "read_file", Args: json.RawMessage(`{}`)})

	if len(got) != 3 {
		t.Fatalf("expected Pending+Running+Result, got %d events", len(got))
	}
	if got[0].ToolCall.Status != models.ToolCallPending {
		t.Errorf("got[0] status = %v, want Pending", got[0].ToolCall.Status)
	}
	if got[1].ToolCall.Status != models.ToolCallRunning {
		t.Errorf("got[1] status = %v, want Running", got[1].ToolCall.Status)
	}
	if got[2].ToolResult.Status != models.ToolResultSuccess || got[2].ToolResult.Result != "contents" {
		t.Errorf("unexpected result event: %+v", got[2].ToolResult)
	}
	_ = events
}

func TestToolDispatcher_ExecuteOne_NotFound(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)

	got := d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "call-1", ToolName: "missing", Args: json.RawMessage(`{}`)})

	last := got[len(got)-1]
	if last.Kind != models.EventToolResult || last.ToolResult.Status != models.ToolResultErrorStat {
		t.Errorf("expected error result for missing tool, got %+v", last)
	}
}

func TestToolDispatcher_ExecuteOne_ToolError(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, nil)
	registry.Register(&mockTool{name: "flaky", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return nil, errors.New("boom")
	}})

	got := d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "call-1", ToolName: "flaky", Args: json.RawMessage(`{}`)})

	last := got[len(got)-1]
	if last.ToolResult.Status != models.ToolResultErrorStat || last.ToolResult.Error != "boom" {
		t.Errorf("unexpected result: %+v", last.ToolResult)
	}
}

func TestToolDispatcher_CallIDSynthesized(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, nil)
	registry.Register(&mockTool{name: "read_file", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "ok"}, nil
	}})

	got := d.ExecuteOne(context.Background(), ToolCallSpec{ToolName: "read_file", Args: json.RawMessage(`{}`)})

	if got[0].ToolCall.CallID == "" {
		t.Error("expected a synthesized call id")
	}
}

func TestToolDispatcher_ConfirmRequired_Accepted(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, nil)
	registry.Register(&mockTool{name: "delete_file", requiresConfirm: true, execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "deleted"}, nil
	}})

	done := make(chan []models.Event, 1)
	go func() {
		done <- d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "call-1", ToolName: "delete_file", Args: json.RawMessage(`{}`)})
	}()

	deadline := time.After(time.Second)
	for {
		if d.Confirm("call-1", true) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never reached confirmation suspension")
		case <-time.After(time.Millisecond):
		}
	}

	got := <-done
	var sawConfirm bool
	for _, e := range got {
		if e.Kind == models.EventConfirmRequired {
			sawConfirm = true
		}
	}
	if !sawConfirm {
		t.Error("expected a ConfirmRequired event")
	}
	last := got[len(got)-1]
	if last.ToolResult.Status != models.ToolResultSuccess {
		t.Errorf("expected success after accepted confirmation, got %+v", last.ToolResult)
	}
}

func TestToolDispatcher_ConfirmRequired_Rejected(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, nil)
	registry.Register(&mockTool{name: "delete_file", requiresConfirm: true})

	done := make(chan []models.Event, 1)
	go func() {
		done <- d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "call-1", ToolName: "delete_file", Args: json.RawMessage(`{}`)})
	}()

	deadline := time.After(time.Second)
	for {
		if d.Confirm("call-1", false) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never reached confirmation suspension")
		case <-time.After(time.Millisecond):
		}
	}

	got := <-done
	last := got[len(got)-1]
	if last.ToolResult.Status != models.ToolResultCancelled {
		t.Errorf("expected cancelled after rejected confirmation, got %+v", last.ToolResult)
	}
}

func TestToolDispatcher_ExecuteBatch_GatherAll_PreservesOrder(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, nil)
	registry.Register(&mockTool{name: "t1", execFunc: func(ctx context.Context, p json.RawMessage) (*ToolResult, error) {
		time.Sleep(30 * time.Millisecond)
		return &ToolResult{Content: "first"}, nil
	}})
	registry.Register(&mockTool{name: "t2", execFunc: func(ctx context.Context, p json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "second"}, nil
	}})

	specs := []ToolCallSpec{
		{CallID: "1", ToolName: "t1", Args: json.RawMessage(`{}`)},
		{CallID: "2", ToolName: "t2", Args: json.RawMessage(`{}`)},
	}
	got := d.ExecuteBatch(context.Background(), specs, GatherAll)

	var results []models.Event
	for _, e := range got {
		if e.Kind == models.EventToolResult {
			results = append(results, e)
		}
	}
	if len(results) != 2 || results[0].ToolResult.CallID != "1" || results[1].ToolResult.CallID != "2" {
		t.Fatalf("GatherAll should preserve submission order, got %+v", results)
	}
}

func TestToolDispatcher_ExecuteBatch_Streaming_HasProgress(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, nil)
	registry.Register(&mockTool{name: "t1", execFunc: func(ctx context.Context, p json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "ok"}, nil
	}})

	specs := []ToolCallSpec{
		{CallID: "1", ToolName: "t1", Args: json.RawMessage(`{}`)},
		{CallID: "2", ToolName: "t1", Args: json.RawMessage(`{}`)},
	}
	got := d.ExecuteBatch(context.Background(), specs, Streaming)

	var progressSeen int
	for _, e := range got {
		if e.Kind == models.EventToolResult && e.ToolResult.Progress != "" {
			progressSeen++
		}
	}
	if progressSeen != 2 {
		t.Errorf("expected 2 progress-annotated results, got %d", progressSeen)
	}
}

func TestToolDispatcher_ActionCounter_FiresThreshold(t *testing.T) {
	var fired int
	d, registry, _ := newTestDispatcher(t, &ToolDispatcherConfig{ActionThreshold: 2, OnThreshold: func() { fired++ }})
	registry.Register(&mockTool{name: "t1", execFunc: func(ctx context.Context, p json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "ok"}, nil
	}})

	d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "1", ToolName: "t1", Args: json.RawMessage(`{}`)})
	if fired != 0 {
		t.Fatalf("threshold should not have fired yet, fired=%d", fired)
	}
	d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "2", ToolName: "t1", Args: json.RawMessage(`{}`)})
	if fired != 1 {
		t.Errorf("expected threshold to fire once, fired=%d", fired)
	}
}

func TestToolDispatcher_ApprovalChecker_Denies(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Denylist = []string{"rm_rf"}
	approval := NewApprovalChecker(policy)

	d, registry, _ := newTestDispatcher(t, &ToolDispatcherConfig{Approval: approval})
	registry.Register(&mockTool{name: "rm_rf", execFunc: func(ctx context.Context, p json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "should not run"}, nil
	}})

	got := d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "1", ToolName: "rm_rf", Args: json.RawMessage(`{}`)})
	last := got[len(got)-1]
	if last.ToolResult.Status != models.ToolResultCancelled {
		t.Errorf("expected denylisted tool to be cancelled, got %+v", last.ToolResult)
	}
}

func TestToolDispatcher_ConfirmTimeout(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, &ToolDispatcherConfig{ConfirmTimeout: 20 * time.Millisecond})
	registry.Register(&mockTool{name: "delete_file", requiresConfirm: true})

	got := d.ExecuteOne(context.Background(), ToolCallSpec{CallID: "call-1", ToolName: "delete_file", Args: json.RawMessage(`{}`)})

	last := got[len(got)-1]
	if last.ToolResult.Status != models.ToolResultCancelled {
		t.Errorf("expected cancelled after confirm timeout, got %+v", last.ToolResult)
	}
}
