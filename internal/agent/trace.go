package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DecisionTraceRecordKind discriminates the append-only write paths into
// DecisionTraceStore (§4.5).
type DecisionTraceRecordKind string

const (
	TraceStateTransition DecisionTraceRecordKind = "state_transition"
	TraceToolCall        DecisionTraceRecordKind = "tool_call"
	TraceToolResult      DecisionTraceRecordKind = "tool_result"
)

// DecisionTraceRecord is one entry appended to a DecisionTraceStore.
type DecisionTraceRecord struct {
	Kind      DecisionTraceRecordKind `json:"kind"`
	Timestamp time.Time               `json:"timestamp"`
	SessionID string                  `json:"session_id"`

	// state_transition fields
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Signal    string `json:"signal,omitempty"`

	// tool_call / tool_result shared fields
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	CallID     string         `json:"call_id,omitempty"`

	// tool_result-only fields
	Result     string        `json:"result,omitempty"`
	ExitCode   int           `json:"exit_code"`
	DurationMS int64         `json:"duration_ms,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
}

var decisionTraceWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrt_decision_trace_writes_total",
		Help: "Number of records appended to the decision trace store, by kind.",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(decisionTraceWrites)
}

const defaultTraceCapacity = 1000

// DecisionTraceStore is the append-only decision log (§4.5). It is the
// single writer of record; every other component only reads from it.
// record_tool_result synthesizes a FailureSignal on non-zero exit and
// forwards it to the attached FailureObserver, if any.
type DecisionTraceStore struct {
	mu       sync.RWMutex
	capacity int
	records  []*DecisionTraceRecord
	observer *FailureObserver
}

// NewDecisionTraceStore creates a store with the given capacity (default
// 1000 if <= 0). Attach an observer with SetFailureObserver once built —
// construction order breaks the store/observer/loop cycle (§4.9 Redesign).
func NewDecisionTraceStore(capacity int) *DecisionTraceStore {
	if capacity <= 0 {
		capacity = defaultTraceCapacity
	}
	return &DecisionTraceStore{capacity: capacity}
}

// SetFailureObserver attaches the observer that record_tool_result forwards
// synthesized FailureSignals to.
func (s *DecisionTraceStore) SetFailureObserver(o *FailureObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

func (s *DecisionTraceStore) append(r *DecisionTraceRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity/2:]
	}
	s.mu.Unlock()
	decisionTraceWrites.WithLabelValues(string(r.Kind)).Inc()
}

// RecordStateTransition appends a state-machine transition record.
func (s *DecisionTraceStore) RecordStateTransition(sessionID, from, to, signal string) {
	s.append(&DecisionTraceRecord{
		Kind:      TraceStateTransition,
		Timestamp: time.Now(),
		SessionID: sessionID,
		FromState: from,
		ToState:   to,
		Signal:    signal,
	})
}

// RecordToolCall appends the start of a tool invocation.
func (s *DecisionTraceStore) RecordToolCall(sessionID, callID, toolName string, args map[string]any) {
	s.append(&DecisionTraceRecord{
		Kind:      TraceToolCall,
		Timestamp: time.Now(),
		SessionID: sessionID,
		CallID:    callID,
		ToolName:  toolName,
		ToolArgs:  args,
	})
}

// RecordToolResult appends the completion of a tool invocation. On
// non-zero exit it synthesizes a FailureSignal and forwards it to the
// attached FailureObserver, returning that signal (nil if exit was 0 or no
// observer is attached).
func (s *DecisionTraceStore) RecordToolResult(sessionID, callID, toolName string, args map[string]any, result string, exitCode int, durationMS int64, stdout, stderr string) *FailureSignal {
	s.append(&DecisionTraceRecord{
		Kind:       TraceToolResult,
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		CallID:     callID,
		ToolName:   toolName,
		ToolArgs:   args,
		Result:     result,
		ExitCode:   exitCode,
		DurationMS: durationMS,
		Stdout:     stdout,
		Stderr:     stderr,
	})

	if exitCode == 0 {
		return nil
	}

	s.mu.RLock()
	observer := s.observer
	s.mu.RUnlock()
	if observer == nil {
		return nil
	}

	signal, ok := observer.Observe(SourceTool, toolName, args, exitCode, "", stderr)
	if !ok {
		return nil
	}
	signal.SessionID = sessionID
	return signal
}

// Recent returns up to limit most-recent records, newest last, optionally
// filtered by kind and/or session.
func (s *DecisionTraceStore) Recent(limit int, kind DecisionTraceRecordKind, session string) []*DecisionTraceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*DecisionTraceRecord
	for _, r := range s.records {
		if kind != "" && r.Kind != kind {
			continue
		}
		if session != "" && r.SessionID != session {
			continue
		}
		matches = append(matches, r)
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

// ToolCalls returns recorded tool_call/tool_result records, optionally
// filtered by tool name and session, newest last.
func (s *DecisionTraceStore) ToolCalls(toolName, session string, limit int) []*DecisionTraceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*DecisionTraceRecord
	for _, r := range s.records {
		if r.Kind != TraceToolCall && r.Kind != TraceToolResult {
			continue
		}
		if toolName != "" && r.ToolName != toolName {
			continue
		}
		if session != "" && r.SessionID != session {
			continue
		}
		matches = append(matches, r)
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

// Failures returns tool_result records with a non-zero exit code,
// optionally filtered by taxonomy (re-derived from the record) and session.
func (s *DecisionTraceStore) Failures(taxonomy FailureTaxonomy, session string, limit int) []*DecisionTraceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*DecisionTraceRecord
	for _, r := range s.records {
		if r.Kind != TraceToolResult || r.ExitCode == 0 {
			continue
		}
		if session != "" && r.SessionID != session {
			continue
		}
		if taxonomy != "" {
			if got := classifyFailure(r.ToolName, r.Stderr, ""); got != taxonomy {
				continue
			}
		}
		matches = append(matches, r)
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

// SessionSummary aggregates counts and unique tool names for one session.
type SessionSummary struct {
	SessionID       string   `json:"session_id"`
	TotalRecords    int      `json:"total_records"`
	ToolCalls       int      `json:"tool_calls"`
	ToolResults     int      `json:"tool_results"`
	Failures        int      `json:"failures"`
	StateTransitions int     `json:"state_transitions"`
	UniqueTools     []string `json:"unique_tools"`
}

// SessionSummary computes SessionSummary for session.
func (s *DecisionTraceStore) SessionSummary(session string) SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := SessionSummary{SessionID: session}
	seen := make(map[string]bool)
	for _, r := range s.records {
		if r.SessionID != session {
			continue
		}
		summary.TotalRecords++
		switch r.Kind {
		case TraceStateTransition:
			summary.StateTransitions++
		case TraceToolCall:
			summary.ToolCalls++
		case TraceToolResult:
			summary.ToolResults++
			if r.ExitCode != 0 {
				summary.Failures++
			}
		}
		if r.ToolName != "" && !seen[r.ToolName] {
			seen[r.ToolName] = true
			summary.UniqueTools = append(summary.UniqueTools, r.ToolName)
		}
	}
	return summary
}

// Export serializes every record for session as JSON lines, newest last.
func (s *DecisionTraceStore) Export(session string) ([]byte, error) {
	records := s.Recent(0, "", session)

	var buf []byte
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}
