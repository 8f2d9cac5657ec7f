package agent

import (
	"errors"
	"sync"
	"time"

	catalog "github.com/sablerun/agentrt/internal/models"
)

// TaskClass categorizes the kind of work a generation request is for, used
// to pick a sensible default model before any scoring happens.
type TaskClass string

const (
	TaskDeepResearch      TaskClass = "deep_research"
	TaskFinancialAnalysis TaskClass = "financial_analysis"
	TaskPPTGeneration     TaskClass = "ppt_generation"
	TaskCodeGeneration    TaskClass = "code_generation"
	TaskQuickQA           TaskClass = "quick_qa"
	TaskMultimodal        TaskClass = "multimodal"
	TaskGeneral           TaskClass = "general"
)

// Constraints narrows the set of models a routing decision may choose from.
// A zero-value Constraints (no fields set) is "unconstrained".
type Constraints struct {
	MaxCostPerCall      float64
	MaxLatencyMs        int
	ContextLength       int
	ExpectedOutputLen   int
	RequiredCapabilities []catalog.Capability
	PreferredModels     []string
	ExcludedModels      []string
}

func (c Constraints) isUnconstrained() bool {
	return c.MaxCostPerCall == 0 && c.MaxLatencyMs == 0 && c.ContextLength == 0 &&
		c.ExpectedOutputLen == 0 && len(c.RequiredCapabilities) == 0 &&
		len(c.PreferredModels) == 0 && len(c.ExcludedModels) == 0
}

func (c Constraints) excludes(id string) bool {
	for _, ex := range c.ExcludedModels {
		if ex == id {
			return true
		}
	}
	return false
}

// ErrNoCandidates is returned when the router's catalog has no model that
// can satisfy a routing request, even after relaxing to a task-class
// default.
var ErrNoCandidates = errors.New("router: no candidate model available")

// RoutingRecord is one entry in the router's bounded rolling history (§4.3):
// the inputs to a routing decision, the model chosen, and why.
type RoutingRecord struct {
	At          time.Time
	TaskClass   TaskClass
	Constraints Constraints
	Chosen      string
	Reason      string
}

// Router selects a model for a generation request by first checking for an
// unconstrained task-class default, then filtering the catalog against
// Constraints, then preferring an explicitly requested model, and finally
// falling back to a weighted score across task fit, cost, latency, and
// capability breadth. It never consults circuit-breaker state itself —
// that is the fallback pipeline's job (§4.8); a breaker-open model can
// still be selected here and is skipped downstream.
type Router struct {
	mu      sync.Mutex
	catalog *catalog.Catalog
	cfg     RouterWeights
	history []RoutingRecord

	taskDefaults map[TaskClass][]string
}

// RouterWeights mirrors internal/config.RouterConfig's weight fields so this
// package does not need to import internal/config (which would create an
// import cycle once config starts referencing agent types).
type RouterWeights struct {
	TaskFitWeight           float64
	CostWeight              float64
	LatencyWeight           float64
	CapabilityBreadthWeight float64
	HistoryWindow           int
}

// NewRouter builds a Router over the given catalog. Pass a zero RouterWeights
// to use the spec's defaults (0.40/0.30/0.20/0.10, history window 50).
func NewRouter(cat *catalog.Catalog, weights RouterWeights) *Router {
	if cat == nil {
		cat = catalog.NewCatalog()
	}
	if weights == (RouterWeights{}) {
		weights = RouterWeights{TaskFitWeight: 0.40, CostWeight: 0.30, LatencyWeight: 0.20, CapabilityBreadthWeight: 0.10, HistoryWindow: 50}
	}
	if weights.HistoryWindow <= 0 {
		weights.HistoryWindow = 50
	}
	return &Router{
		catalog:      cat,
		cfg:          weights,
		taskDefaults: defaultTaskClassModels(),
	}
}

// SetTaskDefaults overrides the task-class -> preferred-model-IDs table used
// for step 1 (unconstrained lookup) and step 5 (relaxation fallback).
func (r *Router) SetTaskDefaults(defaults map[TaskClass][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskDefaults = defaults
}

func defaultTaskClassModels() map[TaskClass][]string {
	return map[TaskClass][]string{
		TaskDeepResearch:      {"claude-opus-4", "gemini-1.5-pro-latest"},
		TaskFinancialAnalysis: {"claude-opus-4", "gpt-4o"},
		TaskPPTGeneration:     {"gpt-4o", "claude-3-5-sonnet-latest"},
		TaskCodeGeneration:    {"claude-3-5-sonnet-latest", "o3-mini"},
		TaskQuickQA:           {"claude-3-5-haiku-latest", "gpt-4o-mini", "gemini-2.0-flash-exp"},
		TaskMultimodal:        {"gemini-2.0-flash-exp", "gpt-4o"},
		TaskGeneral:           {"claude-3-5-sonnet-latest", "gpt-4o"},
	}
}

func (r *Router) firstAvailableDefault(task TaskClass) (string, bool) {
	for _, id := range r.taskDefaults[task] {
		if _, ok := r.catalog.Get(id); ok {
			return id, true
		}
	}
	return "", false
}

// Route picks a model for taskClass under constraints, returning the chosen
// model ID and a short human-readable reason for the decision.
func (r *Router) Route(task TaskClass, c Constraints) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Step 1: unconstrained task-class default.
	if c.isUnconstrained() {
		if id, ok := r.firstAvailableDefault(task); ok {
			r.record(task, c, id, "unconstrained task-class default")
			return id, "unconstrained task-class default", nil
		}
	}

	// Step 2: filter the catalog.
	filtered := r.filterCandidates(task, c)

	// Step 5: constraints eliminated every candidate — relax to the
	// task-class default and log the relaxation.
	if len(filtered) == 0 {
		if id, ok := r.firstAvailableDefault(task); ok {
			r.record(task, c, id, "constraints eliminated all candidates; relaxed to task-class default")
			return id, "relaxed to task-class default", nil
		}
		return "", "", ErrNoCandidates
	}

	// Step 3a: an explicitly preferred model that survived filtering wins.
	for _, pm := range c.PreferredModels {
		for _, m := range filtered {
			if m.ID == pm {
				r.record(task, c, m.ID, "preferred model")
				return m.ID, "preferred model", nil
			}
		}
	}

	// Step 3b: weighted score across task fit, cost, latency, capability
	// breadth. Step 4 (tie-break) falls out naturally: filtered is already
	// in the catalog's stable provider/tier/name order, and we only replace
	// best on a strictly greater score.
	var best *catalog.Model
	bestScore := -1.0
	for _, m := range filtered {
		score := r.score(m, c)
		if score > bestScore {
			bestScore = score
			best = m
		}
	}

	r.record(task, c, best.ID, "weighted score")
	return best.ID, "weighted score", nil
}

func (r *Router) filterCandidates(task TaskClass, c Constraints) []*catalog.Model {
	all := r.catalog.List(nil)
	out := make([]*catalog.Model, 0, len(all))
	for _, m := range all {
		if c.excludes(m.ID) {
			continue
		}
		if c.ContextLength > 0 && m.ContextWindow < c.ContextLength {
			continue
		}
		if c.MaxLatencyMs > 0 && m.AvgLatencyMs > c.MaxLatencyMs {
			continue
		}
		if c.MaxCostPerCall > 0 && estimatedCost(m, c) > c.MaxCostPerCall {
			continue
		}
		if !hasAllCapabilities(m, c.RequiredCapabilities) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasAllCapabilities(m *catalog.Model, required []catalog.Capability) bool {
	for _, cap := range required {
		if !m.HasCapability(cap) {
			return false
		}
	}
	return true
}

// estimatedCost is (in/1000)*rate_in + (out/1000)*rate_out. Unset lengths
// fall back to a conservative 1k-in/500-out estimate so cost constraints
// are still meaningful when a caller hasn't sized the request.
func estimatedCost(m *catalog.Model, c Constraints) float64 {
	in := c.ContextLength
	if in == 0 {
		in = 1000
	}
	out := c.ExpectedOutputLen
	if out == 0 {
		out = 500
	}
	return float64(in)/1000*m.RatePer1kInput() + float64(out)/1000*m.RatePer1kOutput()
}

func (r *Router) score(m *catalog.Model, c Constraints) float64 {
	required := c.RequiredCapabilities
	taskFit := 1.0
	if len(required) > 0 {
		matched := 0
		for _, cap := range required {
			if m.HasCapability(cap) {
				matched++
			}
		}
		taskFit = float64(matched) / float64(len(required))
	}

	costScore := 30 - 100*estimatedCost(m, c)
	if costScore < 0 {
		costScore = 0
	}

	latencyScore := 20 - float64(m.AvgLatencyMs)/500
	if latencyScore < 0 {
		latencyScore = 0
	}

	capabilityBreadth := float64(len(m.Capabilities)) * 2
	if capabilityBreadth > 10 {
		capabilityBreadth = 10
	}

	return r.cfg.TaskFitWeight*taskFit +
		r.cfg.CostWeight*costScore +
		r.cfg.LatencyWeight*latencyScore +
		r.cfg.CapabilityBreadthWeight*capabilityBreadth
}

func (r *Router) record(task TaskClass, c Constraints, chosen, reason string) {
	r.history = append(r.history, RoutingRecord{
		At:          time.Now(),
		TaskClass:   task,
		Constraints: c,
		Chosen:      chosen,
		Reason:      reason,
	})
	if over := len(r.history) - r.cfg.HistoryWindow; over > 0 {
		r.history = r.history[over:]
	}
}

// History returns a snapshot of the router's bounded routing history, most
// recent last.
func (r *Router) History() []RoutingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoutingRecord, len(r.history))
	copy(out, r.history)
	return out
}

// Catalog exposes the underlying model catalog, e.g. so the fallback
// pipeline can look up rate/latency figures for a model the router chose.
func (r *Router) Catalog() *catalog.Catalog {
	return r.catalog
}
