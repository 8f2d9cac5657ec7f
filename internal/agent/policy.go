package agent

import (
	"context"
	"fmt"
	"strings"
)

// AgentAction is what a LoopPolicy decides to do with one GenerateResult:
// either emit final content and stop, or dispatch a batch of tool calls and
// continue. Exactly one of Done or len(ToolCalls) > 0 should be meaningful
// per invocation; AgentLoop treats Done as authoritative when both are set.
type AgentAction struct {
	Content   string
	ToolCalls []ToolCallSpec
	Done      bool
}

// LoopPolicy replaces the old per-agent-kind subclassing (§4.9 Redesign
// Flag): one AgentLoop engine, parameterized by a LoopPolicy value, drives
// every agent kind. A policy owns a small state machine expressed as plain
// strings rather than a closed enum, so new agent kinds never require
// touching AgentLoop itself.
type LoopPolicy interface {
	// Name identifies the policy for logging and tracing.
	Name() string

	// InitialState returns the phase state a new session starts in.
	InitialState() string

	// BuildRequest lets the policy annotate the outgoing GenerateRequest
	// for the current phase (e.g. a phase-specific system prompt prefix).
	BuildRequest(state string, req GenerateRequest) GenerateRequest

	// Decide turns one GenerateResult into an AgentAction.
	Decide(ctx context.Context, state string, result GenerateResult) (AgentAction, error)

	// PhaseTransition returns the next phase state after a tool named
	// toolName completes while in the given state. Returning state
	// unchanged keeps the policy in its current phase.
	PhaseTransition(toolName, state string) string
}

// basePolicy implements the state-machine bookkeeping shared across the
// four named variants: Decide maps GenerateResult.StopReason onto
// AgentAction the same way for all of them, and PhaseTransition walks a
// declared ordered list of phases, advancing past the current phase once a
// tool in its trigger set has run.
type basePolicy struct {
	name        string
	phases      []string
	transitions map[string][]string // phase -> tool names that complete it
	systemHint  map[string]string   // phase -> prompt prefix
}

func (p *basePolicy) Name() string         { return p.name }
func (p *basePolicy) InitialState() string { return p.phases[0] }

func (p *basePolicy) BuildRequest(state string, req GenerateRequest) GenerateRequest {
	hint, ok := p.systemHint[state]
	if !ok || hint == "" {
		return req
	}
	if req.System == "" {
		req.System = hint
	} else {
		req.System = hint + "\n\n" + req.System
	}
	return req
}

func (p *basePolicy) Decide(_ context.Context, _ string, result GenerateResult) (AgentAction, error) {
	switch result.StopReason {
	case StopToolUse:
		specs := make([]ToolCallSpec, 0, len(result.ToolCalls))
		for _, tc := range result.ToolCalls {
			specs = append(specs, ToolCallSpec{CallID: tc.ID, ToolName: tc.Name, Args: tc.Input})
		}
		return AgentAction{ToolCalls: specs}, nil
	case StopEndTurn, StopMaxTokens:
		return AgentAction{Content: result.Content, Done: true}, nil
	default:
		return AgentAction{}, fmt.Errorf("policy %s: unrecognized stop reason %q", p.name, result.StopReason)
	}
}

func (p *basePolicy) PhaseTransition(toolName, state string) string {
	triggers, ok := p.transitions[state]
	if !ok {
		return state
	}
	for _, t := range triggers {
		if strings.EqualFold(t, toolName) {
			return p.nextPhase(state)
		}
	}
	return state
}

func (p *basePolicy) nextPhase(state string) string {
	for i, ph := range p.phases {
		if ph == state && i+1 < len(p.phases) {
			return p.phases[i+1]
		}
	}
	return state
}

// NewBasicAgent is the simplest policy: a single "default" phase with no
// transitions, matching §4.9's minimal agent kind.
func NewBasicAgent() LoopPolicy {
	return &basePolicy{
		name:        "basic_agent",
		phases:      []string{"default"},
		transitions: map[string][]string{},
	}
}

// NewDeepResearchAgent phases through planning -> researching ->
// synthesizing -> done, advancing on the named tools a research agent is
// expected to call at each stage.
func NewDeepResearchAgent() LoopPolicy {
	return &basePolicy{
		name:   "deep_research_agent",
		phases: []string{"planning", "researching", "synthesizing", "done"},
		transitions: map[string][]string{
			"planning":     {"write_plan", "create_plan"},
			"researching":  {"synthesize", "summarize_findings"},
			"synthesizing": {"finalize_report", "write_report"},
		},
		systemHint: map[string]string{
			"planning":     "You are in the planning phase: outline the research before taking any other action.",
			"researching":  "You are in the research phase: gather information using the available tools.",
			"synthesizing": "You are in the synthesis phase: combine findings into a coherent report.",
		},
	}
}

// NewFinancialResearchAgent phases through data_gathering -> analysis ->
// reporting.
func NewFinancialResearchAgent() LoopPolicy {
	return &basePolicy{
		name:   "financial_research_agent",
		phases: []string{"data_gathering", "analysis", "reporting"},
		transitions: map[string][]string{
			"data_gathering": {"fetch_filings", "fetch_market_data", "fetch_financials"},
			"analysis":       {"compute_ratios", "build_model", "finalize_report"},
		},
		systemHint: map[string]string{
			"data_gathering": "Gather the financial data needed before performing any analysis.",
			"analysis":       "Analyze the gathered data; do not re-fetch data already on hand.",
			"reporting":      "Produce the final financial report from the analysis above.",
		},
	}
}

// NewPPTAgent phases through outline -> drafting_slides -> formatting ->
// done.
func NewPPTAgent() LoopPolicy {
	return &basePolicy{
		name:   "ppt_agent",
		phases: []string{"outline", "drafting_slides", "formatting", "done"},
		transitions: map[string][]string{
			"outline":         {"write_outline"},
			"drafting_slides": {"finalize_slides", "render_deck"},
			"formatting":      {"apply_theme", "export_deck"},
		},
		systemHint: map[string]string{
			"outline":         "Produce a slide-by-slide outline before drafting any slide content.",
			"drafting_slides": "Draft slide content following the outline.",
			"formatting":      "Apply formatting and export; do not change slide content at this stage.",
		},
	}
}
