// Package config loads and validates runtime configuration for the agent
// runtime (§6). Configuration is per-run: limits on iterations, tokens,
// tool concurrency, and the fallback/circuit-breaker knobs consumed by the
// router and dispatcher.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for one agent run.
type Config struct {
	Loop          LoopConfig          `yaml:"loop"`
	LLM           LLMConfig           `yaml:"llm"`
	Router        RouterConfig        `yaml:"router"`
	Tools         ToolsConfig         `yaml:"tools"`
	WorkingMemory WorkingMemoryConfig `yaml:"working_memory"`
	Logging       LoggingConfig       `yaml:"logging"`
	Trace         TraceConfig         `yaml:"trace"`
}

// LoopConfig bounds a single AgentLoop.run invocation (§4.9, §8).
type LoopConfig struct {
	// MaxIterations caps think/decide/act cycles. 0 means the run emits
	// Done{Stopped, iterations=0} immediately.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTokens is the token budget for AgentContext.tokens_used; the loop
	// terminates at 95% of this value.
	MaxTokens int `yaml:"max_tokens"`

	// MaxConcurrentTools bounds in-flight tool executions for the
	// ToolDispatcher (§4.7, §8).
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`

	// StrikeThreshold is the number of consecutive same-taxonomy failures
	// that trigger a 3-Strike reboot cycle (§7, §8).
	StrikeThreshold int `yaml:"strike_threshold"`

	// ConfirmationTimeout bounds how long a pending ConfirmRequired
	// suspension is honored before should_continue treats it as stale.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
}

// LLMConfig configures model routing and retry/fallback.
type LLMConfig struct {
	DefaultModel string `yaml:"default_model"`

	// FallbackChain lists model names tried, in order, after the primary
	// fails (§4.8). Deduped and capped at max_retries+1 at use time.
	FallbackChain []string `yaml:"fallback_chain"`

	// RetryDelay is the sleep between fallback attempts (§4.8 step 5).
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxRetries bounds the attempt chain length (primary + fallbacks).
	MaxRetries int `yaml:"max_retries"`

	// CircuitBreakerThreshold is the number of failures within
	// CircuitBreakerWindow before a model is skipped by the router.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerWindowSec is the rolling window, in seconds, over which
	// CircuitBreakerThreshold failures are counted.
	CircuitBreakerWindowSec int `yaml:"circuit_breaker_window_sec"`
}

// RouterConfig configures the weighted model-routing score (§4.3).
type RouterConfig struct {
	TaskFitWeight           float64 `yaml:"task_fit_weight"`
	CostWeight              float64 `yaml:"cost_weight"`
	LatencyWeight           float64 `yaml:"latency_weight"`
	CapabilityBreadthWeight float64 `yaml:"capability_breadth_weight"`

	// HistoryWindow bounds the rolling routing-history kept for
	// tie-breaking and circuit-breaker accounting.
	HistoryWindow int `yaml:"history_window"`
}

// ToolsConfig controls tool dispatch and approval behavior.
type ToolsConfig struct {
	// RequireConfirmation lists tool names (or risk tiers, via the
	// "risk:write" / "risk:danger" pseudo-names) that always suspend for
	// operator confirmation regardless of the tool's own
	// RequiresConfirmation flag.
	RequireConfirmation []string `yaml:"require_confirmation"`

	// Timeout bounds a single tool execution before it is classified
	// ToolTimeout.
	Timeout time.Duration `yaml:"timeout"`
}

// WorkingMemoryConfig configures the three-file working-memory model
// (§4.6).
type WorkingMemoryConfig struct {
	// ActionsPerFinding is N in the "2-Action Rule": should_record_finding
	// fires every N tool calls since the last finding write.
	ActionsPerFinding int `yaml:"actions_per_finding"`

	// RecitationIterations is M: should_recite_plan fires every M
	// iterations.
	RecitationIterations int `yaml:"recitation_iterations"`

	// MaxMessages is the message-count ceiling in should_clear_context.
	MaxMessages int `yaml:"max_messages"`

	// MaxEstimatedTokens is the token-count threshold in
	// should_clear_context (estimated at length/4, §9 Q4).
	MaxEstimatedTokens int `yaml:"max_estimated_tokens"`

	// FindingsCompactionWatermark is the findings-size threshold, in
	// characters, above which should_clear_context fires.
	FindingsCompactionWatermark int `yaml:"findings_compaction_watermark"`
}

// LoggingConfig configures the observability Logger (§2.1).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TraceConfig configures the DecisionTraceStore (§4.5).
type TraceConfig struct {
	// Capacity is the FIFO-eviction cap on retained trace records.
	Capacity int `yaml:"capacity"`
}

// Load reads, expands environment variables in, and parses the
// configuration file at path, then applies env overrides, defaults, and
// validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	cfg.Sanitize()

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Sanitize applies enumerated defaults to every zero-valued field (§6: each
// field "has an enumerated default"). Safe to call on a zero Config to
// obtain the runtime's defaults.
func (cfg *Config) Sanitize() {
	applyLoopDefaults(&cfg.Loop)
	applyLLMDefaults(&cfg.LLM)
	applyRouterDefaults(&cfg.Router)
	applyToolsDefaults(&cfg.Tools)
	applyWorkingMemoryDefaults(&cfg.WorkingMemory)
	applyLoggingDefaults(&cfg.Logging)
	applyTraceDefaults(&cfg.Trace)
}

// Default returns a Config with every default applied, suitable as a
// starting point for programmatic construction (e.g. tests, NewDefaultRuntime).
func Default() *Config {
	cfg := &Config{}
	cfg.Sanitize()
	return cfg
}

func applyLoopDefaults(cfg *LoopConfig) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 25
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 100000
	}
	if cfg.MaxConcurrentTools == 0 {
		cfg.MaxConcurrentTools = 4
	}
	if cfg.StrikeThreshold == 0 {
		cfg.StrikeThreshold = 3
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = 5 * time.Minute
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerWindowSec == 0 {
		cfg.CircuitBreakerWindowSec = 60
	}
}

func applyRouterDefaults(cfg *RouterConfig) {
	if cfg.TaskFitWeight == 0 {
		cfg.TaskFitWeight = 0.40
	}
	if cfg.CostWeight == 0 {
		cfg.CostWeight = 0.30
	}
	if cfg.LatencyWeight == 0 {
		cfg.LatencyWeight = 0.20
	}
	if cfg.CapabilityBreadthWeight == 0 {
		cfg.CapabilityBreadthWeight = 0.10
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 50
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
}

func applyWorkingMemoryDefaults(cfg *WorkingMemoryConfig) {
	if cfg.ActionsPerFinding == 0 {
		cfg.ActionsPerFinding = 2
	}
	if cfg.RecitationIterations == 0 {
		cfg.RecitationIterations = 5
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = 15
	}
	if cfg.MaxEstimatedTokens == 0 {
		cfg.MaxEstimatedTokens = 50000
	}
	if cfg.FindingsCompactionWatermark == 0 {
		cfg.FindingsCompactionWatermark = 20000
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyTraceDefaults(cfg *TraceConfig) {
	if cfg.Capacity == 0 {
		cfg.Capacity = 1000
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("AGENTRT_MAX_ITERATIONS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Loop.MaxIterations = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENTRT_MAX_TOKENS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Loop.MaxTokens = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENTRT_DEFAULT_MODEL")); value != "" {
		cfg.LLM.DefaultModel = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENTRT_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

// ConfigValidationError reports one or more invalid configuration values
// found at construction time (§6: "all are validated at construction").
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Loop.MaxIterations < 0 {
		issues = append(issues, "loop.max_iterations must be >= 0")
	}
	if cfg.Loop.MaxTokens < 0 {
		issues = append(issues, "loop.max_tokens must be >= 0")
	}
	if cfg.Loop.MaxConcurrentTools < 1 {
		issues = append(issues, "loop.max_concurrent_tools must be >= 1")
	}
	if cfg.Loop.StrikeThreshold < 1 {
		issues = append(issues, "loop.strike_threshold must be >= 1")
	}

	if cfg.LLM.RetryDelay < 0 {
		issues = append(issues, "llm.retry_delay must be >= 0")
	}
	if cfg.LLM.MaxRetries < 1 {
		issues = append(issues, "llm.max_retries must be >= 1")
	}
	if cfg.LLM.CircuitBreakerThreshold < 1 {
		issues = append(issues, "llm.circuit_breaker_threshold must be >= 1")
	}
	if cfg.LLM.CircuitBreakerWindowSec < 1 {
		issues = append(issues, "llm.circuit_breaker_window_sec must be >= 1")
	}

	weightSum := cfg.Router.TaskFitWeight + cfg.Router.CostWeight + cfg.Router.LatencyWeight + cfg.Router.CapabilityBreadthWeight
	if weightSum < 0.99 || weightSum > 1.01 {
		issues = append(issues, fmt.Sprintf("router weights must sum to 1.0, got %.3f", weightSum))
	}

	if cfg.Tools.Timeout < 0 {
		issues = append(issues, "tools.timeout must be >= 0")
	}

	if cfg.WorkingMemory.ActionsPerFinding < 1 {
		issues = append(issues, "working_memory.actions_per_finding must be >= 1")
	}
	if cfg.WorkingMemory.RecitationIterations < 1 {
		issues = append(issues, "working_memory.recitation_iterations must be >= 1")
	}
	if cfg.WorkingMemory.MaxMessages < 1 {
		issues = append(issues, "working_memory.max_messages must be >= 1")
	}
	if cfg.WorkingMemory.MaxEstimatedTokens < 1 {
		issues = append(issues, "working_memory.max_estimated_tokens must be >= 1")
	}

	if level := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			issues = append(issues, "logging.level must be \"debug\", \"info\", \"warn\", or \"error\"")
		}
	}
	if format := strings.ToLower(strings.TrimSpace(cfg.Logging.Format)); format != "" {
		switch format {
		case "json", "text":
		default:
			issues = append(issues, "logging.format must be \"json\" or \"text\"")
		}
	}

	if cfg.Trace.Capacity < 1 {
		issues = append(issues, "trace.capacity must be >= 1")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
