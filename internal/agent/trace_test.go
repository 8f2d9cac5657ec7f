package agent

import (
	"strings"
	"testing"
)

func TestDecisionTraceStore_RecordStateTransition(t *testing.T) {
	store := NewDecisionTraceStore(10)
	store.RecordStateTransition("sess-1", "init", "stream", "start")

	recent := store.Recent(0, TraceStateTransition, "sess-1")
	if len(recent) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recent))
	}
	if recent[0].FromState != "init" || recent[0].ToState != "stream" {
		t.Errorf("unexpected transition: %+v", recent[0])
	}
}

func TestDecisionTraceStore_RecordToolCallAndResult(t *testing.T) {
	store := NewDecisionTraceStore(10)
	store.RecordToolCall("sess-1", "call-1", "read_file", map[string]any{"path": "a.go"})
	store.RecordToolResult("sess-1", "call-1", "read_file", nil, "contents", 0, 15, "", "")

	calls := store.ToolCalls("read_file", "sess-1", 0)
	if len(calls) != 2 {
		t.Fatalf("expected 2 records (call + result), got %d", len(calls))
	}
}

func TestDecisionTraceStore_SuccessNeverProducesFailure(t *testing.T) {
	store := NewDecisionTraceStore(10)
	signal := store.RecordToolResult("sess-1", "call-1", "read_file", nil, "ok", 0, 1, "", "")
	if signal != nil {
		t.Errorf("exit_code=0 should never synthesize a FailureSignal, got %+v", signal)
	}
}

func TestDecisionTraceStore_FailureForwardsToObserver(t *testing.T) {
	store := NewDecisionTraceStore(10)
	observer := NewFailureObserver(3, store)
	store.SetFailureObserver(observer)

	signal := store.RecordToolResult("sess-1", "call-1", "run_test", nil, "", 1, 5, "", "permission denied")
	if signal == nil {
		t.Fatal("expected a FailureSignal for non-zero exit")
	}
	if signal.Taxonomy != ToolPermissionFail {
		t.Errorf("Taxonomy = %v, want ToolPermissionDenied", signal.Taxonomy)
	}
	if signal.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", signal.SessionID)
	}

	failures := store.Failures(ToolPermissionFail, "sess-1", 0)
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(failures))
	}
}

func TestDecisionTraceStore_Recent_RespectsLimit(t *testing.T) {
	store := NewDecisionTraceStore(100)
	for i := 0; i < 5; i++ {
		store.RecordStateTransition("sess-1", "a", "b", "x")
	}
	recent := store.Recent(2, "", "sess-1")
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
}

func TestDecisionTraceStore_EvictsToHalfCapacity(t *testing.T) {
	store := NewDecisionTraceStore(10)
	for i := 0; i < 15; i++ {
		store.RecordStateTransition("sess-1", "a", "b", "x")
	}
	recent := store.Recent(0, "", "")
	if len(recent) > 10 {
		t.Fatalf("expected eviction to cap at capacity, got %d records", len(recent))
	}
}

func TestDecisionTraceStore_SessionSummary(t *testing.T) {
	store := NewDecisionTraceStore(100)
	store.RecordToolCall("sess-1", "call-1", "read_file", nil)
	store.RecordToolResult("sess-1", "call-1", "read_file", nil, "ok", 0, 1, "", "")
	store.RecordToolCall("sess-1", "call-2", "write_file", nil)
	store.RecordToolResult("sess-1", "call-2", "write_file", nil, "", 1, 1, "", "permission denied")

	summary := store.SessionSummary("sess-1")
	if summary.ToolCalls != 2 {
		t.Errorf("ToolCalls = %d, want 2", summary.ToolCalls)
	}
	if summary.Failures != 1 {
		t.Errorf("Failures = %d, want 1", summary.Failures)
	}
	if len(summary.UniqueTools) != 2 {
		t.Errorf("UniqueTools = %v, want 2 entries", summary.UniqueTools)
	}
}

func TestDecisionTraceStore_Export(t *testing.T) {
	store := NewDecisionTraceStore(10)
	store.RecordToolCall("sess-1", "call-1", "read_file", nil)
	store.RecordToolResult("sess-1", "call-1", "read_file", nil, "ok", 0, 1, "", "")

	data, err := store.Export("sess-1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if strings.Count(string(data), "\n") != 2 {
		t.Errorf("expected 2 lines, got %q", data)
	}
	if !strings.Contains(string(data), "read_file") {
		t.Errorf("export should contain tool name: %q", data)
	}
}
