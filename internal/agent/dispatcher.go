package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sablerun/agentrt/internal/observability"
	"github.com/sablerun/agentrt/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// ToolCallSpec is one tool invocation requested by decide() (§4.9). CallID
// is synthesized via uuid.NewString() when the model omits one (§9 Q2).
type ToolCallSpec struct {
	CallID   string
	ToolName string
	Args     json.RawMessage
}

// DispatchMode selects how ExecuteBatch orders its ToolResult events.
type DispatchMode string

const (
	// GatherAll waits for every call to finish and emits ToolResult events
	// in submission order.
	GatherAll DispatchMode = "gather_all"
	// Streaming emits each ToolResult as its call finishes, unordered,
	// annotated with progress="k/N".
	Streaming DispatchMode = "streaming"
)

// DefaultMaxConcurrentTools is the default ToolDispatcher semaphore
// capacity (§4.7 step 6).
const DefaultMaxConcurrentTools = 10

// DefaultActionThreshold is the 2-Action Rule's default notification
// threshold (§4.6).
const DefaultActionThreshold = 2

// ToolDispatcherConfig configures a ToolDispatcher. Zero values fall back
// to the documented defaults.
type ToolDispatcherConfig struct {
	MaxConcurrent   int
	ConfirmTimeout  time.Duration // 0 = wait indefinitely (default, per §4.7 step 3)
	ActionThreshold int
	Approval        *ApprovalChecker // optional; nil means only ToolSpec.RequiresConfirmation gates
	AgentID         string
	SessionID       string
	OnThreshold     func() // notified when the 2-Action Rule counter trips
	Tracer          *observability.Tracer // optional; nil disables per-call spans
}

// ToolDispatcher runs the admission protocol of §4.7 for every tool call: it
// resolves the tool, gates on confirmation, bounds parallelism with a
// semaphore, executes, and records the outcome on the DecisionTraceStore.
type ToolDispatcher struct {
	registry *ToolRegistry
	emitter  *EventEmitter
	trace    *DecisionTraceStore
	approval *ApprovalChecker
	tracer   *observability.Tracer

	sem            chan struct{}
	confirmTimeout time.Duration
	agentID        string
	sessionID      string

	mu               sync.Mutex
	pendingConfirms  map[string]chan bool
	confirmedActions map[string]bool
	actionCounter    int
	actionThreshold  int
	onThreshold      func()
}

// NewToolDispatcher builds a dispatcher over registry, emitting events via
// emitter and recording admission outcomes to trace (either may be
// minimally configured; trace may be nil to skip recording).
func NewToolDispatcher(registry *ToolRegistry, emitter *EventEmitter, trace *DecisionTraceStore, cfg *ToolDispatcherConfig) *ToolDispatcher {
	if cfg == nil {
		cfg = &ToolDispatcherConfig{}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentTools
	}
	threshold := cfg.ActionThreshold
	if threshold <= 0 {
		threshold = DefaultActionThreshold
	}
	return &ToolDispatcher{
		registry:         registry,
		emitter:          emitter,
		trace:            trace,
		approval:         cfg.Approval,
		tracer:           cfg.Tracer,
		sem:              make(chan struct{}, maxConcurrent),
		confirmTimeout:   cfg.ConfirmTimeout,
		agentID:          cfg.AgentID,
		sessionID:        cfg.SessionID,
		pendingConfirms:  make(map[string]chan bool),
		confirmedActions: make(map[string]bool),
		actionThreshold:  threshold,
		onThreshold:      cfg.OnThreshold,
	}
}

// toolOutcome is the terminal disposition of one admitted call, computed by
// admitAndRun before the caller (ExecuteOne or a batch mode) decides when to
// emit the ToolResult event.
type toolOutcome struct {
	callID string
	status models.ToolResultStatus
	result string
	errMsg string
}

// ExecuteOne runs the full admission protocol for a single call and returns
// every event it emitted, in emission order.
func (d *ToolDispatcher) ExecuteOne(ctx context.Context, spec ToolCallSpec) []models.Event {
	var events []models.Event
	outcome := d.admitAndRun(ctx, spec, &events)
	events = append(events, d.emitter.ToolResult(ctx, outcome.callID, outcome.status, outcome.result, outcome.errMsg, ""))
	d.bumpActionCounter(1)
	return events
}

// ExecuteBatch runs every call concurrently (bounded by the semaphore) and
// emits ToolResult events per mode: GatherAll preserves submission order;
// Streaming emits in completion order with progress annotations.
func (d *ToolDispatcher) ExecuteBatch(ctx context.Context, specs []ToolCallSpec, mode DispatchMode) []models.Event {
	if len(specs) == 0 {
		return nil
	}
	n := len(specs)

	type indexedOutcome struct {
		idx     int
		outcome *toolOutcome
	}

	var mu sync.Mutex
	var admitted []models.Event
	outcomes := make([]*toolOutcome, n)
	done := make(chan indexedOutcome, n)

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(idx int, s ToolCallSpec) {
			defer wg.Done()
			var local []models.Event
			outcome := d.admitAndRun(ctx, s, &local)
			mu.Lock()
			admitted = append(admitted, local...)
			mu.Unlock()
			done <- indexedOutcome{idx: idx, outcome: outcome}
		}(i, spec)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	var events []models.Event
	completed := 0
	switch mode {
	case Streaming:
		for io := range done {
			completed++
			o := io.outcome
			events = append(events, d.emitter.ToolResult(ctx, o.callID, o.status, o.result, o.errMsg, fmt.Sprintf("%d/%d", completed, n)))
		}
	default: // GatherAll
		for io := range done {
			outcomes[io.idx] = io.outcome
		}
		for _, o := range outcomes {
			events = append(events, d.emitter.ToolResult(ctx, o.callID, o.status, o.result, o.errMsg, ""))
		}
	}

	mu.Lock()
	all := append(append([]models.Event(nil), admitted...), events...)
	mu.Unlock()
	all = append(all, d.emitter.Status(ctx, fmt.Sprintf("batch complete: %d/%d calls", n, n)))

	d.bumpActionCounter(n)
	return all
}

// admitAndRun performs admission steps 1-8 of §4.7 except the terminal
// ToolResult emission, which the caller controls (immediate for ExecuteOne,
// ordered/streamed for ExecuteBatch). Pending/ConfirmRequired/Running events
// are emitted directly since their ordering relative to other calls in a
// batch is unconstrained by the spec.
func (d *ToolDispatcher) admitAndRun(ctx context.Context, spec ToolCallSpec, emitted *[]models.Event) *toolOutcome {
	callID := spec.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	var args map[string]any
	if len(spec.Args) > 0 {
		_ = json.Unmarshal(spec.Args, &args)
	}

	record := func(e models.Event) { *emitted = append(*emitted, e) }

	record(d.emitter.ToolCall(ctx, callID, spec.ToolName, args, models.ToolCallPending))

	tool, err := d.registry.Get(spec.ToolName)
	if err != nil {
		d.recordTrace(callID, spec.ToolName, args, "", 1, 0, err.Error())
		return &toolOutcome{callID: callID, status: models.ToolResultErrorStat, errMsg: err.Error()}
	}

	toolSpec := tool.Spec()
	requiresConfirm := toolSpec.RequiresConfirmation
	deniedReason := ""
	if d.approval != nil {
		decision, reason := d.approval.Check(ctx, d.agentID, models.ToolCall{ID: callID, Name: spec.ToolName, Input: spec.Args})
		switch decision {
		case ApprovalDenied:
			deniedReason = reason
		case ApprovalAllowed:
			requiresConfirm = false
		case ApprovalPending:
			requiresConfirm = true
		}
	}
	if deniedReason != "" {
		d.recordTrace(callID, spec.ToolName, args, "", 1, 0, deniedReason)
		return &toolOutcome{callID: callID, status: models.ToolResultCancelled, errMsg: deniedReason}
	}

	if requiresConfirm && !d.isConfirmed(callID) {
		record(d.emitter.ConfirmRequired(ctx, callID, spec.ToolName, args, fmt.Sprintf("%s requires operator confirmation", spec.ToolName)))
		accepted, ok := d.awaitConfirmation(ctx, callID)
		if !ok || !accepted {
			d.recordTrace(callID, spec.ToolName, args, "", 1, 0, "confirmation rejected or timed out")
			return &toolOutcome{callID: callID, status: models.ToolResultCancelled}
		}
	}

	record(d.emitter.ToolCall(ctx, callID, spec.ToolName, args, models.ToolCallRunning))

	if err := d.registry.ValidateArgs(spec.ToolName, spec.Args); err != nil {
		d.recordTrace(callID, spec.ToolName, args, "", 1, 0, err.Error())
		return &toolOutcome{callID: callID, status: models.ToolResultErrorStat, errMsg: err.Error()}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		d.recordTrace(callID, spec.ToolName, args, "", 1, 0, "cancelled awaiting semaphore")
		return &toolOutcome{callID: callID, status: models.ToolResultCancelled}
	}

	if d.trace != nil {
		d.trace.RecordToolCall(d.sessionID, callID, spec.ToolName, args)
	}

	execCtx := ctx
	var span trace.Span
	if d.tracer != nil {
		execCtx, span = d.tracer.TraceToolExecution(ctx, spec.ToolName)
	}

	start := time.Now()
	result, execErr := tool.Execute(execCtx, spec.Args)
	durationMS := time.Since(start).Milliseconds()

	if span != nil {
		if execErr != nil {
			d.tracer.RecordError(span, execErr)
		}
		span.End()
	}

	if ctx.Err() != nil {
		d.recordTrace(callID, spec.ToolName, args, "", 1, durationMS, "run cancelled")
		return &toolOutcome{callID: callID, status: models.ToolResultCancelled}
	}

	if execErr != nil {
		d.recordTrace(callID, spec.ToolName, args, "", 1, durationMS, execErr.Error())
		return &toolOutcome{callID: callID, status: models.ToolResultErrorStat, errMsg: execErr.Error()}
	}

	status := models.ToolResultSuccess
	exitCode := 0
	if result != nil && result.IsError {
		status = models.ToolResultErrorStat
		exitCode = 1
	}
	content := ""
	if result != nil {
		content = result.Content
	}
	d.recordTrace(callID, spec.ToolName, args, content, exitCode, durationMS, "")
	return &toolOutcome{callID: callID, status: status, result: content}
}

func (d *ToolDispatcher) recordTrace(callID, toolName string, args map[string]any, result string, exitCode int, durationMS int64, stderr string) {
	if d.trace == nil {
		return
	}
	d.trace.RecordToolResult(d.sessionID, callID, toolName, args, result, exitCode, durationMS, "", stderr)
}

// Confirm resolves a pending ConfirmRequired suspension for actionID. It
// returns false if no call is currently suspended under that id.
func (d *ToolDispatcher) Confirm(actionID string, accepted bool) bool {
	d.mu.Lock()
	ch, ok := d.pendingConfirms[actionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- accepted:
		return true
	default:
		return false
	}
}

func (d *ToolDispatcher) awaitConfirmation(ctx context.Context, actionID string) (accepted bool, ok bool) {
	ch := make(chan bool, 1)
	d.mu.Lock()
	d.pendingConfirms[actionID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pendingConfirms, actionID)
		d.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if d.confirmTimeout > 0 {
		timer := time.NewTimer(d.confirmTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case accepted = <-ch:
		if accepted {
			d.markConfirmed(actionID)
		}
		return accepted, true
	case <-timeoutCh:
		return false, false
	case <-ctx.Done():
		return false, false
	}
}

func (d *ToolDispatcher) isConfirmed(actionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmedActions[actionID]
}

func (d *ToolDispatcher) markConfirmed(actionID string) {
	d.mu.Lock()
	d.confirmedActions[actionID] = true
	d.mu.Unlock()
}

// bumpActionCounter advances the 2-Action Rule counter by n and fires
// onThreshold once per threshold crossed.
func (d *ToolDispatcher) bumpActionCounter(n int) {
	d.mu.Lock()
	d.actionCounter += n
	crossings := 0
	for d.actionCounter >= d.actionThreshold {
		d.actionCounter -= d.actionThreshold
		crossings++
	}
	cb := d.onThreshold
	d.mu.Unlock()
	if cb != nil {
		for i := 0; i < crossings; i++ {
			cb()
		}
	}
}
