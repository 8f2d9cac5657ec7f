package agent

import "testing"

func TestWorkingMemory_ShouldRecordFindingAfterActionThreshold(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{ActionsPerFinding: 2})

	if m.ShouldRecordFinding() {
		t.Fatal("should not fire before any actions")
	}
	m.NoteAction()
	if m.ShouldRecordFinding() {
		t.Fatal("should not fire after only one action")
	}
	m.NoteAction()
	if !m.ShouldRecordFinding() {
		t.Fatal("should fire after two actions")
	}

	m.RecordFinding("found something")
	if m.ShouldRecordFinding() {
		t.Fatal("counter should reset after RecordFinding")
	}
	if m.Files().Findings == "" {
		t.Fatal("expected findings to be non-empty")
	}
}

func TestWorkingMemory_ShouldRecitePlanResetsCounter(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{RecitationIterations: 3})

	for i := 0; i < 2; i++ {
		m.NoteIteration()
		if m.ShouldRecitePlan() {
			t.Fatalf("recitation fired early at iteration %d", i)
		}
	}
	m.NoteIteration()
	if !m.ShouldRecitePlan() {
		t.Fatal("expected recitation to fire at the threshold")
	}
	if m.ShouldRecitePlan() {
		t.Fatal("counter should have reset after firing")
	}
}

func TestWorkingMemory_ShouldClearContextOnMessageCeiling(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{MaxMessages: 15, MaxEstimatedTokens: 50000})
	if m.ShouldClearContext(10, 100) {
		t.Fatal("should not clear under thresholds")
	}
	if !m.ShouldClearContext(16, 100) {
		t.Fatal("should clear when message count exceeds ceiling")
	}
}

func TestWorkingMemory_ShouldClearContextOnTokenThreshold(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{MaxMessages: 15, MaxEstimatedTokens: 1000})
	if !m.ShouldClearContext(1, 1001) {
		t.Fatal("should clear when estimated tokens exceed threshold")
	}
}

func TestWorkingMemory_ClearAndSummarizePreservesPlanAndProgress(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{})
	m.WritePlan("do the thing")
	m.LogAction("User Input Received", "", "▶")
	m.RecordFinding("interesting result A")
	m.RecordFinding("interesting result B")

	summary := m.ClearAndSummarize()
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}

	files := m.Files()
	if files.Plan != "do the thing" {
		t.Fatalf("plan was mutated by ClearAndSummarize: %q", files.Plan)
	}
	if files.Progress == "" {
		t.Fatal("progress should never be truncated")
	}
}

func TestWorkingMemory_LogErrorStreakCrossesThreshold(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{StrikeThreshold: 3})

	if m.LogError("ToolTimeout", "timed out", "fetch") {
		t.Fatal("should not strike on first error")
	}
	if m.LogError("ToolTimeout", "timed out again", "fetch") {
		t.Fatal("should not strike on second error")
	}
	if !m.LogError("ToolTimeout", "timed out a third time", "fetch") {
		t.Fatal("expected strike on third consecutive identical-kind error")
	}
}

func TestWorkingMemory_LogErrorStreakResetsOnDifferentKind(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{StrikeThreshold: 2})

	m.LogError("ToolTimeout", "a", "fetch")
	if m.LogError("NetworkUnreachable", "b", "fetch") {
		t.Fatal("a differing error kind should not inherit the prior streak")
	}
}

func TestWorkingMemory_ClearErrorStreak(t *testing.T) {
	m := NewWorkingMemory(WorkingMemoryThresholds{StrikeThreshold: 2})
	m.LogError("ToolTimeout", "a", "fetch")
	m.ClearErrorStreak()
	if m.LogError("ToolTimeout", "b", "fetch") {
		t.Fatal("streak should restart from 1 after ClearErrorStreak")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}
