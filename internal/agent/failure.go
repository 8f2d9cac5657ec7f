package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailureTaxonomy is the closed set of failure kinds a FailureSignal can
// carry (§3, §7). Classification is derived from raw tool output by a fixed
// pattern-match table, the same idiom tool_registry.go's classifyToolError
// uses for the narrower ToolErrorType set.
type FailureTaxonomy string

const (
	ToolExecError      FailureTaxonomy = "ToolExecError"
	ToolTimeoutFail    FailureTaxonomy = "ToolTimeout"
	ToolPermissionFail FailureTaxonomy = "ToolPermissionDenied"
	SelectionMiss      FailureTaxonomy = "SelectionMiss"
	PatchConflict      FailureTaxonomy = "PatchConflict"
	TestFail           FailureTaxonomy = "TestFail"
	LintFail           FailureTaxonomy = "LintFail"
	TypeCheckFail      FailureTaxonomy = "TypeCheckFail"
	NetworkUnreachable FailureTaxonomy = "NetworkUnreachable"
	ApiRateLimited     FailureTaxonomy = "ApiRateLimited"
	ApiError           FailureTaxonomy = "ApiError"
	ContextOverflow    FailureTaxonomy = "ContextOverflow"
	BudgetExceeded     FailureTaxonomy = "BudgetExceeded"
	MaxRetriesReached  FailureTaxonomy = "MaxRetriesReached"
	UserRejected       FailureTaxonomy = "UserRejected"
	UserCancelled      FailureTaxonomy = "UserCancelled"
	TaxonomyUnknown    FailureTaxonomy = "Unknown"
)

// nonRetryableTaxa never benefit from a retry: the caller made a decision
// (rejected, cancelled) or the budget/attempt ceiling was already hit.
var nonRetryableTaxa = map[FailureTaxonomy]bool{
	UserRejected:      true,
	UserCancelled:     true,
	BudgetExceeded:    true,
	MaxRetriesReached: true,
}

// IsRetryable reports whether a signal of this taxonomy is worth retrying.
func (t FailureTaxonomy) IsRetryable() bool {
	return !nonRetryableTaxa[t]
}

// FailureSource names what layer of the runtime raised a FailureSignal.
type FailureSource string

const (
	SourceTool       FailureSource = "Tool"
	SourceValidation FailureSource = "Validation"
	SourceTimeout    FailureSource = "Timeout"
	SourceUser       FailureSource = "User"
	SourceSystem     FailureSource = "System"
)

// FailureSignal is the structured record of one failure, classified into
// FailureTaxonomy and (once observed) carrying the RecoveryStrategy the
// FailureObserver proposed for it (§3).
type FailureSignal struct {
	SignalID        string
	Timestamp       time.Time
	Source          FailureSource
	ToolName        string
	ToolArgs        map[string]any
	Taxonomy        FailureTaxonomy
	ExitCode        int
	ErrorMessage    string
	Stderr          string
	StateName       string
	TaskID          string
	SessionID       string
	RetryCount      int
	IsRetryable     bool
	RecoveryStrategy *RecoveryStrategy
}

// RecoveryAction is the action a RecoveryStrategy recommends.
type RecoveryAction string

const (
	ActionRetry         RecoveryAction = "retry"
	ActionReplan        RecoveryAction = "replan"
	ActionExpandContext RecoveryAction = "expand_context"
	ActionRollback      RecoveryAction = "rollback"
	ActionEscalate      RecoveryAction = "escalate"
	ActionAbort         RecoveryAction = "abort"
)

// RecoveryStrategy is the ambient structured companion to FailureSignal,
// built exclusively through the named factory functions below so every
// strategy in the system carries a consistent (action, suggestion, params)
// shape (§3).
type RecoveryStrategy struct {
	Action     RecoveryAction
	Suggestion string
	Params     map[string]any
}

// RetryStrategy recommends retrying after delay.
func RetryStrategy(delay time.Duration) *RecoveryStrategy {
	return &RecoveryStrategy{
		Action:     ActionRetry,
		Suggestion: fmt.Sprintf("retry after %s", delay),
		Params:     map[string]any{"delay": delay},
	}
}

// ReplanStrategy recommends the loop discard its current plan and re-derive one.
func ReplanStrategy(reason string) *RecoveryStrategy {
	return &RecoveryStrategy{
		Action:     ActionReplan,
		Suggestion: reason,
		Params:     map[string]any{"reason": reason},
	}
}

// ExpandContextStrategy recommends widening the context window by windowSize.
func ExpandContextStrategy(windowSize int) *RecoveryStrategy {
	return &RecoveryStrategy{
		Action:     ActionExpandContext,
		Suggestion: fmt.Sprintf("expand context window to %d", windowSize),
		Params:     map[string]any{"window_size": windowSize},
	}
}

// RollbackStrategy recommends reverting to a named checkpoint.
func RollbackStrategy(checkpointID string) *RecoveryStrategy {
	return &RecoveryStrategy{
		Action:     ActionRollback,
		Suggestion: fmt.Sprintf("rollback to checkpoint %s", checkpointID),
		Params:     map[string]any{"checkpoint_id": checkpointID},
	}
}

// EscalateStrategy recommends surfacing the failure to the operator.
func EscalateStrategy(reason string) *RecoveryStrategy {
	return &RecoveryStrategy{
		Action:     ActionEscalate,
		Suggestion: reason,
		Params:     map[string]any{"reason": reason},
	}
}

// AbortStrategy recommends ending the run.
func AbortStrategy(reason string) *RecoveryStrategy {
	return &RecoveryStrategy{
		Action:     ActionAbort,
		Suggestion: reason,
		Params:     map[string]any{"reason": reason},
	}
}

// classifyFailure derives a FailureTaxonomy from a raw tool result, following
// §7's fixed table. exit_code == 0 is never classified; callers must check
// that themselves before calling (ClassifyToolResult enforces it).
func classifyFailure(toolName, stderr, errMsg string) FailureTaxonomy {
	text := strings.ToLower(stderr + " " + errMsg)

	switch {
	case strings.Contains(text, "timeout") || strings.Contains(text, "deadline exceeded"):
		return ToolTimeoutFail
	case strings.Contains(text, "permission") || strings.Contains(text, "denied"):
		return ToolPermissionFail
	case strings.Contains(text, "not found") || strings.Contains(text, "no such file"):
		return SelectionMiss
	case strings.Contains(text, "connection") || strings.Contains(text, "network") || strings.Contains(text, "unreachable"):
		return NetworkUnreachable
	case strings.Contains(text, "rate limit") || strings.Contains(text, "429") || strings.Contains(text, "too many requests"):
		return ApiRateLimited
	case strings.Contains(text, "conflict") && strings.Contains(text, "patch"):
		return PatchConflict
	}

	lowerName := strings.ToLower(toolName)
	switch {
	case strings.Contains(lowerName, "test"):
		return TestFail
	case strings.Contains(lowerName, "lint"):
		return LintFail
	case strings.Contains(lowerName, "typecheck") || strings.Contains(lowerName, "type_check") || strings.Contains(lowerName, "tsc"):
		return TypeCheckFail
	}

	return ToolExecError
}

// ClassifyToolResult classifies a completed tool invocation. It returns
// (taxonomy, false) for a successful (exit code 0) result — callers must
// not synthesize a FailureSignal in that case.
func ClassifyToolResult(toolName string, exitCode int, stderr, errMsg string) (FailureTaxonomy, bool) {
	if exitCode == 0 && errMsg == "" {
		return "", false
	}
	return classifyFailure(toolName, stderr, errMsg), true
}

// strategyForTaxonomy picks the default RecoveryStrategy for an observed
// taxonomy per §4.4: non-retryable taxa escalate or abort, timeouts retry,
// selection misses expand context, patch conflicts roll back, everything
// else defaults to retry.
func strategyForTaxonomy(t FailureTaxonomy, retryCount int) *RecoveryStrategy {
	switch t {
	case UserRejected, UserCancelled:
		return AbortStrategy(fmt.Sprintf("operator %s the action", strings.ToLower(string(t))))
	case BudgetExceeded, MaxRetriesReached:
		return EscalateStrategy(fmt.Sprintf("%s reached", t))
	case ToolTimeoutFail, NetworkUnreachable, ApiRateLimited, ApiError:
		return RetryStrategy(time.Duration(retryCount+1) * time.Second)
	case SelectionMiss, ContextOverflow:
		return ExpandContextStrategy(0)
	case PatchConflict:
		return RollbackStrategy("")
	case ToolPermissionFail:
		return EscalateStrategy("tool execution denied by permission policy")
	default:
		return RetryStrategy(time.Second)
	}
}

const defaultFailureHistoryCap = 256

// FailureObserver classifies failures, tracks a consecutive-streak counter
// per §4.4, and proposes a RecoveryStrategy for every signal it accepts.
// It runs on the same goroutine as AgentLoop — no internal parallelism,
// guarded only against concurrent observe/query from diagnostics tooling.
type FailureObserver struct {
	mu              sync.Mutex
	strikeThreshold int
	history         []*FailureSignal
	historyCap      int
	taxonomyCounts  map[FailureTaxonomy]int
	consecutiveTax  FailureTaxonomy
	consecutiveRun  int
	store           *DecisionTraceStore
}

// NewFailureObserver builds an observer with the given strike threshold
// (default 3 if <= 0) and an optional DecisionTraceStore handle (§4.9
// construction order: store is built first and threaded in here).
func NewFailureObserver(strikeThreshold int, store *DecisionTraceStore) *FailureObserver {
	if strikeThreshold <= 0 {
		strikeThreshold = 3
	}
	return &FailureObserver{
		strikeThreshold: strikeThreshold,
		historyCap:      defaultFailureHistoryCap,
		taxonomyCounts:  make(map[FailureTaxonomy]int),
		store:           store,
	}
}

// Observe records a raw tool failure, classifies it, attaches a
// RecoveryStrategy, and returns the fully-populated signal. exitCode == 0
// and an empty errMsg never produce a signal (nil, false).
func (o *FailureObserver) Observe(source FailureSource, toolName string, toolArgs map[string]any, exitCode int, errMsg, stderr string) (*FailureSignal, bool) {
	taxonomy, ok := ClassifyToolResult(toolName, exitCode, stderr, errMsg)
	if !ok {
		return nil, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if taxonomy == o.consecutiveTax {
		o.consecutiveRun++
	} else {
		o.consecutiveTax = taxonomy
		o.consecutiveRun = 1
	}

	signal := &FailureSignal{
		SignalID:     uuid.NewString(),
		Timestamp:    time.Now(),
		Source:       source,
		ToolName:     toolName,
		ToolArgs:     toolArgs,
		Taxonomy:     taxonomy,
		ExitCode:     exitCode,
		ErrorMessage: errMsg,
		Stderr:       stderr,
		RetryCount:   o.taxonomyCounts[taxonomy],
		IsRetryable:  taxonomy.IsRetryable(),
	}
	signal.RecoveryStrategy = strategyForTaxonomy(taxonomy, signal.RetryCount)

	o.taxonomyCounts[taxonomy]++
	o.history = append(o.history, signal)
	if len(o.history) > o.historyCap {
		o.history = o.history[len(o.history)-o.historyCap/2:]
	}

	return signal, true
}

// ShouldAbort reports whether the consecutive streak of identical taxonomy
// has reached the strike threshold.
func (o *FailureObserver) ShouldAbort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveRun >= o.strikeThreshold
}

// ClearConsecutive resets the streak tracker; call after any successful action.
func (o *FailureObserver) ClearConsecutive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consecutiveTax = ""
	o.consecutiveRun = 0
}

// GetSimilar returns the most recent signals whose tool name or error
// message overlaps with query by keyword, best-effort (no vector search
// wired — a plain substring scan over recent history).
func (o *FailureObserver) GetSimilar(query string, limit int) []*FailureSignal {
	o.mu.Lock()
	defer o.mu.Unlock()

	if limit <= 0 {
		limit = 5
	}
	q := strings.ToLower(query)

	var matches []*FailureSignal
	for i := len(o.history) - 1; i >= 0 && len(matches) < limit; i-- {
		s := o.history[i]
		if strings.Contains(strings.ToLower(s.ToolName), q) || strings.Contains(strings.ToLower(s.ErrorMessage), q) {
			matches = append(matches, s)
		}
	}
	return matches
}

// GetSummary renders a markdown list of recent failures plus a
// consecutive-warning banner, intended for Plan Recitation injection.
func (o *FailureObserver) GetSummary() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) == 0 {
		return "No failures recorded."
	}

	var b strings.Builder
	if o.consecutiveRun > 1 {
		fmt.Fprintf(&b, "**%d consecutive %s failures** — consider a different approach.\n\n", o.consecutiveRun, o.consecutiveTax)
	}

	b.WriteString("Recent failures:\n")
	start := len(o.history) - 5
	if start < 0 {
		start = 0
	}
	for _, s := range o.history[start:] {
		fmt.Fprintf(&b, "- `%s` (%s): %s\n", s.ToolName, s.Taxonomy, s.ErrorMessage)
	}
	return b.String()
}

// Summary aggregates per-taxonomy counts for diagnostics/export.
func (o *FailureObserver) Summary() map[FailureTaxonomy]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[FailureTaxonomy]int, len(o.taxonomyCounts))
	for k, v := range o.taxonomyCounts {
		out[k] = v
	}
	return out
}
