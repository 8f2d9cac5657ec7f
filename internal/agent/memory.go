package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sablerun/agentrt/pkg/models"
)

// DefaultActionsPerFinding mirrors config.WorkingMemoryConfig's default so
// a WorkingMemory built without a config (e.g. in tests) still honors the
// 2-Action Rule.
const DefaultActionsPerFinding = 2

// DefaultRecitationIterations is the default "every M iterations" cadence
// for should_recite_plan.
const DefaultRecitationIterations = 5

// DefaultMaxMessages, DefaultMaxEstimatedTokens, and
// DefaultFindingsCompactionWatermark mirror config.WorkingMemoryConfig's
// should_clear_context defaults (§4.6).
const (
	DefaultMaxMessages                 = 15
	DefaultMaxEstimatedTokens          = 50000
	DefaultFindingsCompactionWatermark = 20000
)

// WorkingMemoryThresholds configures the triggers WorkingMemory evaluates.
// Zero values fall back to the Default* constants above.
type WorkingMemoryThresholds struct {
	ActionsPerFinding           int
	RecitationIterations        int
	MaxMessages                 int
	MaxEstimatedTokens          int
	FindingsCompactionWatermark int
	StrikeThreshold             int
}

func (t WorkingMemoryThresholds) sanitize() WorkingMemoryThresholds {
	if t.ActionsPerFinding <= 0 {
		t.ActionsPerFinding = DefaultActionsPerFinding
	}
	if t.RecitationIterations <= 0 {
		t.RecitationIterations = DefaultRecitationIterations
	}
	if t.MaxMessages <= 0 {
		t.MaxMessages = DefaultMaxMessages
	}
	if t.MaxEstimatedTokens <= 0 {
		t.MaxEstimatedTokens = DefaultMaxEstimatedTokens
	}
	if t.FindingsCompactionWatermark <= 0 {
		t.FindingsCompactionWatermark = DefaultFindingsCompactionWatermark
	}
	if t.StrikeThreshold <= 0 {
		t.StrikeThreshold = 3
	}
	return t
}

// WorkingMemory is the three-file "infinite memory" model of §4.6: plan
// (write-once, read-many), progress (strictly append-only), and findings
// (append-only but the only file subject to compaction). One instance
// backs one session; the loop asks it when to recite the plan, when to
// write a finding, and when to substitute the message history with a
// compacted summary.
type WorkingMemory struct {
	mu    sync.Mutex
	files models.WorkingMemoryFiles
	cfg   WorkingMemoryThresholds

	actionsSinceFinding       int
	iterationsSinceRecitation int
	errorStreaks              map[string]int
	lastErrorKind             string
}

// NewWorkingMemory builds an empty WorkingMemory for one session. Per
// §4.9's construction order, this is built before FailureObserver and
// DecisionTraceStore are wired into the loop.
func NewWorkingMemory(cfg WorkingMemoryThresholds) *WorkingMemory {
	return &WorkingMemory{
		cfg:          cfg.sanitize(),
		errorStreaks: make(map[string]int),
	}
}

// Files returns a copy of the current plan/progress/findings content.
func (m *WorkingMemory) Files() models.WorkingMemoryFiles {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files
}

// WritePlan sets the plan file. Called once when a plan is first
// synthesized; the invariant that the plan is never truncated is upheld by
// never calling this from ClearAndSummarize or any compaction path.
func (m *WorkingMemory) WritePlan(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files.Plan = text
}

// LogAction appends one timestamped entry to progress (§4.6). Progress is
// never truncated.
func (m *WorkingMemory) LogAction(title, details, statusGlyph string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendProgressLocked(title, details, statusGlyph)
}

func (m *WorkingMemory) appendProgressLocked(title, details, statusGlyph string) {
	line := fmt.Sprintf("[%s] %s %s", time.Now().UTC().Format(time.RFC3339), statusGlyph, title)
	if details != "" {
		line += " — " + details
	}
	if m.files.Progress != "" {
		m.files.Progress += "\n"
	}
	m.files.Progress += line
}

// RecordFinding appends text to findings and resets the 2-Action Rule
// counter. Call after ShouldRecordFinding reports true.
func (m *WorkingMemory) RecordFinding(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files.Findings != "" {
		m.files.Findings += "\n"
	}
	m.files.Findings += fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), text)
	m.actionsSinceFinding = 0
}

// NoteAction advances the 2-Action Rule counter by one significant tool
// action. Call once per completed tool call.
func (m *WorkingMemory) NoteAction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionsSinceFinding++
}

// ShouldRecordFinding reports whether N actions (default 2) have elapsed
// since the last finding write.
func (m *WorkingMemory) ShouldRecordFinding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actionsSinceFinding >= m.cfg.ActionsPerFinding
}

// NoteIteration advances the recitation counter by one loop iteration.
func (m *WorkingMemory) NoteIteration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterationsSinceRecitation++
}

// ShouldRecitePlan reports whether M iterations (default 5) have elapsed
// since the plan was last recited, and resets the counter if so.
func (m *WorkingMemory) ShouldRecitePlan() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.iterationsSinceRecitation < m.cfg.RecitationIterations {
		return false
	}
	m.iterationsSinceRecitation = 0
	return true
}

// PlanExcerpt returns the plan file content, or a placeholder if none has
// been written yet.
func (m *WorkingMemory) PlanExcerpt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files.Plan == "" {
		return "(no plan recorded yet)"
	}
	return m.files.Plan
}

// ShouldClearContext reports whether the context should be substituted
// with a compacted summary: message count over the ceiling, estimated
// token count over the threshold, or findings above the compaction
// watermark (§4.6).
func (m *WorkingMemory) ShouldClearContext(messageCount, estimatedTokens int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageCount > m.cfg.MaxMessages {
		return true
	}
	if estimatedTokens > m.cfg.MaxEstimatedTokens {
		return true
	}
	return len(m.files.Findings) > m.cfg.FindingsCompactionWatermark
}

// EstimateTokens approximates token count as length/4 (§9 Q4): the spec
// treats this as an implementation detail, any monotonic upper bound
// suffices.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// ClearAndSummarize compacts findings to a bounded summary, appends a
// recitation-style marker to progress, and returns the summary string the
// loop uses to rebuild its message history as a single synthetic system
// message (the "context injection"). The plan file is untouched; progress
// is only appended to, never truncated; findings is the only file this
// method may shrink.
func (m *WorkingMemory) ClearAndSummarize() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := summarizeFindings(m.files.Findings, m.cfg.FindingsCompactionWatermark/4)
	m.files.Findings = summary
	m.appendProgressLocked("Context Cleared", "conversation history compacted to a summary", "⟳")

	var b strings.Builder
	b.WriteString("## Plan\n")
	if m.files.Plan != "" {
		b.WriteString(m.files.Plan)
	} else {
		b.WriteString("(no plan recorded yet)")
	}
	b.WriteString("\n\n## Recent Findings\n")
	if summary != "" {
		b.WriteString(summary)
	} else {
		b.WriteString("(no findings recorded yet)")
	}
	b.WriteString("\n\n## Current Objective\nContinue the task using the plan and findings above; prior message history has been compacted.")
	return b.String()
}

// summarizeFindings bounds findings to its last maxChars characters (a
// simple recency-biased compaction), falling back to the full text when it
// already fits.
func summarizeFindings(findings string, maxChars int) string {
	if maxChars <= 0 || len(findings) <= maxChars {
		return findings
	}
	trimmed := findings[len(findings)-maxChars:]
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 && idx < len(trimmed)-1 {
		trimmed = trimmed[idx+1:]
	}
	return "(earlier findings omitted)\n" + trimmed
}

// LogError updates the per-error-kind consecutive streak and reports
// whether it has crossed the strike threshold, signaling the caller to
// enter a reboot cycle (§4.6, §4.9). toolName is optional context folded
// into the streak key so unrelated tools' failures don't share a counter.
func (m *WorkingMemory) LogError(kind, details, toolName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := kind
	if toolName != "" {
		key = kind + ":" + toolName
	}
	if key == m.lastErrorKind {
		m.errorStreaks[key]++
	} else {
		m.lastErrorKind = key
		m.errorStreaks[key] = 1
	}
	m.appendProgressLocked("Error", details, "✗")
	return m.errorStreaks[key] >= m.cfg.StrikeThreshold
}

// ClearErrorStreak resets the consecutive-error tracker, called after any
// successful action.
func (m *WorkingMemory) ClearErrorStreak() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErrorKind = ""
}
