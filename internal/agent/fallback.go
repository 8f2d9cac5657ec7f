package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	modelfallback "github.com/sablerun/agentrt/internal/models"
)

// CircuitBreakerState is per-model state (§3): open iff ErrorCount reaches
// the configured threshold within a sliding window; the first evaluation
// after the window elapses resets both fields to closed.
type CircuitBreakerState struct {
	ErrorCount  int
	LastErrorAt time.Time
}

func (s CircuitBreakerState) isOpen(threshold int, window time.Duration) bool {
	if s.ErrorCount < threshold {
		return false
	}
	return time.Since(s.LastErrorAt) < window
}

// FallbackPipelineConfig configures the Router+Dispatcher fallback
// generation path (§4.8).
type FallbackPipelineConfig struct {
	// DeclaredFallbackChain lists model IDs tried, in order, after the
	// router's primary choice.
	DeclaredFallbackChain []string
	// DefaultModel is appended to the attempt chain when EnableDefault is
	// true and not already present.
	DefaultModel  string
	EnableDefault bool

	RetryDelay              time.Duration
	MaxRetries              int
	CircuitBreakerThreshold int
	CircuitBreakerWindow    time.Duration
}

func (c FallbackPipelineConfig) sanitize() FallbackPipelineConfig {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerWindow <= 0 {
		c.CircuitBreakerWindow = 300 * time.Second
	}
	return c
}

// AllAttemptsFailedError is raised when every candidate in the attempt
// chain failed or was skipped by an open circuit breaker (§4.8 step 6).
// LastError carries the aggregated per-attempt detail already formatted by
// internal/models.RunWithModelFallback.
type AllAttemptsFailedError struct {
	LastError error
}

func (e *AllAttemptsFailedError) Error() string {
	if e.LastError != nil {
		return fmt.Sprintf("all attempts failed: %v", e.LastError)
	}
	return "all attempts failed"
}

func (e *AllAttemptsFailedError) Unwrap() error { return e.LastError }

// GenerationAttempt records one (model, task_class, outcome) observation
// for diagnostics, mirroring the tuple §4.8 step 4/5 says must be recorded.
type GenerationAttempt struct {
	Model     string
	TaskClass TaskClass
	Success   bool
	Cost      float64
	LatencyMS int64
	SessionID string
	Error     string
}

// FallbackPipeline implements the Router+Dispatcher fallback generation
// path (§4.8): ask the Router for a primary model, build a deduped attempt
// chain, skip models whose circuit breaker is open, call ModelClient, and
// record every attempt. It reuses internal/models.RunWithModelFallback for
// the attempt-chain walk and failover classification, narrowed to
// catalog model IDs instead of that package's provider/model pairs.
type FallbackPipeline struct {
	router  *Router
	cfg     FallbackPipelineConfig
	clients map[string]ModelClient

	mu       sync.Mutex
	breakers map[string]*CircuitBreakerState
	history  []GenerationAttempt
}

// NewFallbackPipeline builds a pipeline over router using the given config.
// Clients are registered after construction via RegisterClient.
func NewFallbackPipeline(router *Router, cfg FallbackPipelineConfig) *FallbackPipeline {
	return &FallbackPipeline{
		router:   router,
		cfg:      cfg.sanitize(),
		clients:  make(map[string]ModelClient),
		breakers: make(map[string]*CircuitBreakerState),
	}
}

// RegisterClient binds a ModelClient to the catalog model ID it serves.
func (p *FallbackPipeline) RegisterClient(modelID string, client ModelClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[modelID] = client
}

// breakerOpen reports whether modelID's circuit breaker is currently open,
// resetting it first if the sliding window has elapsed (§3, §4.8).
func (p *FallbackPipeline) breakerOpen(modelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.breakers[modelID]
	if !ok {
		return false
	}
	if time.Since(state.LastErrorAt) >= p.cfg.CircuitBreakerWindow {
		state.ErrorCount = 0
		state.LastErrorAt = time.Time{}
	}
	return state.isOpen(p.cfg.CircuitBreakerThreshold, p.cfg.CircuitBreakerWindow)
}

func (p *FallbackPipeline) recordFailure(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.breakers[modelID]
	if !ok {
		state = &CircuitBreakerState{}
		p.breakers[modelID] = state
	}
	state.ErrorCount++
	state.LastErrorAt = time.Now()
}

func (p *FallbackPipeline) recordSuccess(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, modelID)
}

func (p *FallbackPipeline) appendHistory(a GenerationAttempt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, a)
	const cap = 500
	if over := len(p.history) - cap; over > 0 {
		p.history = p.history[over:]
	}
}

// History returns a snapshot of recorded generation attempts, most recent
// last.
func (p *FallbackPipeline) History() []GenerationAttempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerationAttempt, len(p.history))
	copy(out, p.history)
	return out
}

// buildAttemptChain implements §4.8 step 1-2: ask the router for a
// primary, then append the declared fallback chain and optionally the
// default model, deduped and capped at MaxRetries+1.
func (p *FallbackPipeline) buildAttemptChain(task TaskClass, constraints Constraints) ([]string, string, error) {
	primary, reason, err := p.router.Route(task, constraints)
	if err != nil {
		return nil, "", err
	}

	seen := map[string]bool{primary: true}
	chain := []string{primary}
	for _, id := range p.cfg.DeclaredFallbackChain {
		if seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}
	if p.cfg.EnableDefault && p.cfg.DefaultModel != "" && !seen[p.cfg.DefaultModel] {
		chain = append(chain, p.cfg.DefaultModel)
	}

	cap := p.cfg.MaxRetries + 1
	if len(chain) > cap {
		chain = chain[:cap]
	}
	return chain, reason, nil
}

// Generate runs the full fallback pipeline for one generation request: it
// routes to a primary model, walks the attempt chain skipping
// circuit-broken models, and returns the first successful GenerateResult.
func (p *FallbackPipeline) Generate(ctx context.Context, task TaskClass, constraints Constraints, sessionID string, req GenerateRequest) (GenerateResult, string, error) {
	chain, _, err := p.buildAttemptChain(task, constraints)
	if err != nil {
		return GenerateResult{}, "", err
	}

	cfg := &modelfallback.FallbackConfig{
		PrimaryProvider: "model",
		PrimaryModel:    chain[0],
	}
	for _, id := range chain[1:] {
		cfg.Fallbacks = append(cfg.Fallbacks, "model/"+id)
	}

	run := func(ctx context.Context, _ string, modelID string) (GenerateResult, error) {
		if p.breakerOpen(modelID) {
			return GenerateResult{}, &modelfallback.FailoverError{
				Reason: modelfallback.ReasonUnavailable,
				Model:  modelID,
				Err:    fmt.Errorf("circuit breaker open for model %q", modelID),
			}
		}

		client, ok := p.clients[modelID]
		if !ok {
			return GenerateResult{}, &modelfallback.FailoverError{
				Reason: modelfallback.ReasonUnavailable,
				Model:  modelID,
				Err:    fmt.Errorf("no client registered for model %q", modelID),
			}
		}

		start := time.Now()
		req.Model = modelID
		result, genErr := client.Generate(ctx, req)
		latency := time.Since(start).Milliseconds()

		if genErr != nil {
			p.recordFailure(modelID)
			p.appendHistory(GenerationAttempt{Model: modelID, TaskClass: task, Success: false, LatencyMS: latency, SessionID: sessionID, Error: genErr.Error()})
			return GenerateResult{}, modelfallback.CoerceToFailoverError(genErr, "model", modelID)
		}

		p.recordSuccess(modelID)
		p.appendHistory(GenerationAttempt{Model: modelID, TaskClass: task, Success: true, LatencyMS: latency, SessionID: sessionID})
		return result, nil
	}

	onError := func(_, modelID string, _ error, attempt, total int) {
		if attempt < total {
			select {
			case <-time.After(p.cfg.RetryDelay):
			case <-ctx.Done():
			}
		}
	}

	result, err := modelfallback.RunWithModelFallback(ctx, cfg, run, onError)
	if err != nil {
		return GenerateResult{}, "", &AllAttemptsFailedError{LastError: err}
	}
	return result.Result, result.Model, nil
}
