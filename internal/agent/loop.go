package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sablerun/agentrt/internal/config"
	catalog "github.com/sablerun/agentrt/internal/models"
	"github.com/sablerun/agentrt/internal/observability"
	"github.com/sablerun/agentrt/pkg/models"
)

// AgentLoopConfig bounds one AgentLoop.Run invocation (§4.9, §8).
type AgentLoopConfig struct {
	MaxIterations       int
	MaxTokens           int
	ConfirmationTimeout time.Duration
	SessionID           string
	TaskClass           TaskClass
	Constraints         Constraints
}

func (c AgentLoopConfig) sanitize() AgentLoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 100000
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 5 * time.Minute
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.TaskClass == "" {
		c.TaskClass = TaskGeneral
	}
	return c
}

// AgentLoop drives one policy-parameterized think/decide/act cycle (§4.9):
// generate via the fallback pipeline, let the policy decide whether to
// answer or call tools, dispatch tool calls, fold working-memory
// bookkeeping and failure observation into every step, and stream the
// result as Events. One AgentLoop instance serves one session.
type AgentLoop struct {
	policy     LoopPolicy
	pipeline   *FallbackPipeline
	dispatcher *ToolDispatcher
	memory     *WorkingMemory
	observer   *FailureObserver
	trace      *DecisionTraceStore
	emitter    *EventEmitter
	tracer     *observability.Tracer
	logger     *observability.Logger
	cfg        AgentLoopConfig
}

// NewAgentLoop wires a fully-constructed AgentLoop. Callers should prefer
// Runtime.NewSession, which builds these dependencies in the order §4.9
// mandates: WorkingMemory and the DecisionTraceStore first, then a
// FailureObserver wired to the store, then the pipeline and dispatcher,
// with AgentLoop built last.
func NewAgentLoop(policy LoopPolicy, pipeline *FallbackPipeline, dispatcher *ToolDispatcher, memory *WorkingMemory, observer *FailureObserver, trace *DecisionTraceStore, emitter *EventEmitter, tracer *observability.Tracer, logger *observability.Logger, cfg AgentLoopConfig) *AgentLoop {
	return &AgentLoop{
		policy:     policy,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		memory:     memory,
		observer:   observer,
		trace:      trace,
		emitter:    emitter,
		tracer:     tracer,
		logger:     logger,
		cfg:        cfg.sanitize(),
	}
}

// rebootTemplate is the synthetic, template-only system message injected
// after a 3-strike abort (§7, §9 Q3): it never round-trips through a model
// call, it is assembled entirely from FailureObserver's own digest.
const rebootTemplate = `## Reboot Required

Three consecutive failures of the same kind were observed. Before taking
any further action, answer the following and adjust the plan accordingly:

1. What was the goal of the last three actions?
2. What specifically failed, and why?
3. Is the current approach still viable?
4. What is the smallest change that would avoid repeating the failure?
5. What is the next concrete step?

%s`

// Run starts the loop as a background goroutine and returns the EventStream
// the caller drains. The stream's Done event is always the final one sent,
// after which the stream is closed.
func (l *AgentLoop) Run(ctx context.Context, messages []models.Message) *EventStream {
	stream := NewEventStream(64)
	go l.run(ctx, messages, stream)
	return stream
}

func (l *AgentLoop) run(ctx context.Context, messages []models.Message, stream *EventStream) {
	status := models.RunCompleted
	iteration := 0
	tokensUsed := 0
	state := l.policy.InitialState()
	messageID := uuid.NewString()

	defer func() {
		stream.Emit(ctx, l.emitter.Done(ctx, status, iteration, tokensUsed, messageID))
		stream.Close()
	}()

	for {
		if ctx.Err() != nil {
			status = models.RunAborted
			return
		}
		if iteration >= l.cfg.MaxIterations {
			stream.Emit(ctx, l.emitter.Status(ctx, "max iterations reached"))
			status = models.RunStopped
			return
		}
		if l.cfg.MaxTokens > 0 && tokensUsed >= l.cfg.MaxTokens*95/100 {
			stream.Emit(ctx, l.emitter.Status(ctx, "token budget exhausted"))
			status = models.RunStopped
			return
		}

		iteration++
		l.memory.NoteIteration()
		l.trace.RecordStateTransition(l.cfg.SessionID, "", state, "iteration_start")

		if l.memory.ShouldRecitePlan() {
			messages = append(messages, models.Message{
				Role:    models.RoleSystem,
				Content: "## Plan Recitation\n" + l.memory.PlanExcerpt(),
			})
		}

		estTokens := estimateMessageTokens(messages)
		if l.memory.ShouldClearContext(len(messages), estTokens) {
			summary := l.memory.ClearAndSummarize()
			messages = []models.Message{{Role: models.RoleSystem, Content: summary}}
			stream.Emit(ctx, l.emitter.Status(ctx, "context cleared and compacted"))
		}

		req := l.policy.BuildRequest(state, GenerateRequest{Messages: messages, MaxTokens: l.cfg.MaxTokens})

		llmCtx, span := l.tracer.TraceLLMRequest(ctx, l.policy.Name(), string(l.cfg.TaskClass))
		result, modelID, err := l.pipeline.Generate(llmCtx, l.cfg.TaskClass, l.cfg.Constraints, l.cfg.SessionID, req)
		if err != nil {
			l.tracer.RecordError(span, err)
			span.End()
			l.logger.Error(ctx, "generation failed", "session_id", l.cfg.SessionID, "error", err.Error())
			stream.Emit(ctx, l.emitter.Error(ctx, "ApiError", err.Error(), false, err))
			status = models.RunAborted
			return
		}
		span.End()
		tokensUsed += result.Usage.InputTokens + result.Usage.OutputTokens
		l.logger.Debug(ctx, "generation complete", "session_id", l.cfg.SessionID, "model", modelID, "stop_reason", string(result.StopReason))

		action, err := l.policy.Decide(ctx, state, result)
		if err != nil {
			stream.Emit(ctx, l.emitter.Error(ctx, string(TaxonomyUnknown), err.Error(), false, err))
			status = models.RunAborted
			return
		}

		if action.Done {
			stream.Emit(ctx, l.emitter.Content(ctx, action.Content))
			l.memory.LogAction("Final Answer", "", "✔")
			return
		}

		messages = append(messages, models.Message{Role: models.RoleAssistant, ToolCalls: toAssistantToolCalls(action.ToolCalls)})

		mode := GatherAll
		if len(action.ToolCalls) > 1 {
			mode = Streaming
		}
		events := l.dispatcher.ExecuteBatch(ctx, action.ToolCalls, mode)
		for _, e := range events {
			stream.Emit(ctx, e)
		}

		messages = append(messages, toolResultMessages(action.ToolCalls, events)...)

		rebooted := false
		for _, e := range events {
			if e.Kind != models.EventToolResult || e.ToolResult == nil {
				continue
			}
			l.memory.NoteAction()
			if l.memory.ShouldRecordFinding() {
				l.memory.RecordFinding(fmt.Sprintf("tool result for call %s", e.ToolResult.CallID))
			}
			if e.ToolResult.Status == models.ToolResultErrorStat {
				taxonomy := string(TaxonomyUnknown)
				if signal, ok := l.observer.Observe(SourceTool, "", nil, 1, e.ToolResult.Error, ""); ok {
					taxonomy = string(signal.Taxonomy)
				}
				strikeHit := l.memory.LogError(taxonomy, e.ToolResult.Error, "")
				if (strikeHit || l.observer.ShouldAbort()) && !rebooted {
					rebooted = true
					messages = append(messages, models.Message{
						Role:    models.RoleSystem,
						Content: fmt.Sprintf(rebootTemplate, l.observer.GetSummary()),
					})
					l.observer.ClearConsecutive()
					l.memory.ClearErrorStreak()
					stream.Emit(ctx, l.emitter.Status(ctx, "3-strike reboot triggered"))
				}
			} else {
				l.memory.ClearErrorStreak()
			}
		}

		for _, spec := range action.ToolCalls {
			state = l.policy.PhaseTransition(spec.ToolName, state)
		}
	}
}

// estimateMessageTokens sums EstimateTokens over every message's content,
// the same length/4 heuristic WorkingMemory uses (§9 Q4).
func estimateMessageTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

func toAssistantToolCalls(specs []ToolCallSpec) []models.ToolCall {
	calls := make([]models.ToolCall, 0, len(specs))
	for _, s := range specs {
		calls = append(calls, models.ToolCall{ID: s.CallID, Name: s.ToolName, Input: s.Args})
	}
	return calls
}

// toolResultMessages pairs each dispatched call with its ToolResult event
// (matched by CallID) into the next turn's tool-result message.
func toolResultMessages(specs []ToolCallSpec, events []models.Event) []models.Message {
	results := make(map[string]*models.ToolResultEventPayload, len(specs))
	for _, e := range events {
		if e.Kind == models.EventToolResult && e.ToolResult != nil {
			results[e.ToolResult.CallID] = e.ToolResult
		}
	}
	out := make([]models.Message, 0, len(specs))
	for _, s := range specs {
		r, ok := results[s.CallID]
		if !ok {
			continue
		}
		out = append(out, models.Message{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{{
				ToolCallID: s.CallID,
				Content:    r.Result,
				IsError:    r.Status == models.ToolResultErrorStat,
			}},
		})
	}
	return out
}

// Runtime is the convenience layer §5 describes: it owns the long-lived,
// cross-session components (ToolRegistry, Router, DecisionTraceStore) and
// builds a fresh per-session AgentLoop in the mandated construction order.
type Runtime struct {
	cfg      *config.Config
	registry *ToolRegistry
	router   *Router
	trace    *DecisionTraceStore

	memoryFactory func() *WorkingMemory
	tracer        *observability.Tracer
	logger        *observability.Logger
}

// NewRuntime assembles a Runtime from already-built shared components.
// Pass nil memoryFactory to derive thresholds from cfg.WorkingMemory.
func NewRuntime(cfg *config.Config, registry *ToolRegistry, router *Router, store *DecisionTraceStore, memoryFactory func() *WorkingMemory) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	if memoryFactory == nil {
		thresholds := WorkingMemoryThresholds{
			ActionsPerFinding:           cfg.WorkingMemory.ActionsPerFinding,
			RecitationIterations:        cfg.WorkingMemory.RecitationIterations,
			MaxMessages:                 cfg.WorkingMemory.MaxMessages,
			MaxEstimatedTokens:          cfg.WorkingMemory.MaxEstimatedTokens,
			FindingsCompactionWatermark: cfg.WorkingMemory.FindingsCompactionWatermark,
			StrikeThreshold:             cfg.Loop.StrikeThreshold,
		}
		memoryFactory = func() *WorkingMemory { return NewWorkingMemory(thresholds) }
	}

	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "agentrt"})
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	return &Runtime{
		cfg:           cfg,
		registry:      registry,
		router:        router,
		trace:         store,
		memoryFactory: memoryFactory,
		tracer:        tracer,
		logger:        logger,
	}
}

// NewDefaultRuntime builds a Runtime with a fresh ToolRegistry, a Router
// over the builtin model catalog weighted from cfg.Router, and a
// DecisionTraceStore sized from cfg.Trace.Capacity.
func NewDefaultRuntime(cfg *config.Config) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	registry := NewToolRegistry()
	router := NewRouter(catalog.NewCatalog(), RouterWeights{
		TaskFitWeight:           cfg.Router.TaskFitWeight,
		CostWeight:              cfg.Router.CostWeight,
		LatencyWeight:           cfg.Router.LatencyWeight,
		CapabilityBreadthWeight: cfg.Router.CapabilityBreadthWeight,
		HistoryWindow:           cfg.Router.HistoryWindow,
	})
	store := NewDecisionTraceStore(cfg.Trace.Capacity)
	return NewRuntime(cfg, registry, router, store, nil)
}

// Registry exposes the shared ToolRegistry so callers can register tools
// before opening sessions.
func (rt *Runtime) Registry() *ToolRegistry { return rt.registry }

// Router exposes the shared Router, e.g. to call SetTaskDefaults.
func (rt *Runtime) Router() *Router { return rt.router }

// Trace exposes the shared DecisionTraceStore for inspection (e.g. the
// `trace` CLI subcommand).
func (rt *Runtime) Trace() *DecisionTraceStore { return rt.trace }

// NewSession builds one AgentLoop for sessionID under TaskGeneral routing.
// See NewSessionForTask to route a different task class (e.g. a CLI
// picking TaskDeepResearch for a deep_research_agent policy).
func (rt *Runtime) NewSession(policy LoopPolicy, sessionID string, clients map[string]ModelClient) *AgentLoop {
	return rt.NewSessionForTask(policy, sessionID, clients, TaskGeneral)
}

// NewSessionForTask builds one AgentLoop for sessionID, following §4.9's
// mandated construction order: WorkingMemory and the (already shared)
// DecisionTraceStore first, then a FailureObserver wired to the store, then
// the FallbackPipeline with clients registered, then the ToolDispatcher,
// and finally the AgentLoop itself.
func (rt *Runtime) NewSessionForTask(policy LoopPolicy, sessionID string, clients map[string]ModelClient, taskClass TaskClass) *AgentLoop {
	memory := rt.memoryFactory()

	observer := NewFailureObserver(rt.cfg.Loop.StrikeThreshold, rt.trace)
	rt.trace.SetFailureObserver(observer)

	pipeline := NewFallbackPipeline(rt.router, FallbackPipelineConfig{
		DeclaredFallbackChain:   rt.cfg.LLM.FallbackChain,
		DefaultModel:            rt.cfg.LLM.DefaultModel,
		EnableDefault:           true,
		RetryDelay:              rt.cfg.LLM.RetryDelay,
		MaxRetries:              rt.cfg.LLM.MaxRetries,
		CircuitBreakerThreshold: rt.cfg.LLM.CircuitBreakerThreshold,
		CircuitBreakerWindow:    time.Duration(rt.cfg.LLM.CircuitBreakerWindowSec) * time.Second,
	})
	for modelID, client := range clients {
		pipeline.RegisterClient(modelID, client)
	}

	emitter := NewEventEmitter(sessionID, NopSink{})
	dispatcher := NewToolDispatcher(rt.registry, emitter, rt.trace, &ToolDispatcherConfig{
		MaxConcurrent:   rt.cfg.Loop.MaxConcurrentTools,
		ConfirmTimeout:  rt.cfg.Loop.ConfirmationTimeout,
		ActionThreshold: rt.cfg.WorkingMemory.ActionsPerFinding,
		AgentID:         sessionID,
		SessionID:       sessionID,
		Tracer:          rt.tracer,
	})

	return NewAgentLoop(policy, pipeline, dispatcher, memory, observer, rt.trace, emitter, rt.tracer, rt.logger, AgentLoopConfig{
		MaxIterations:       rt.cfg.Loop.MaxIterations,
		MaxTokens:           rt.cfg.Loop.MaxTokens,
		ConfirmationTimeout: rt.cfg.Loop.ConfirmationTimeout,
		SessionID:           sessionID,
		TaskClass:           taskClass,
	})
}
