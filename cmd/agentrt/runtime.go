package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sablerun/agentrt/internal/agent"
	"github.com/sablerun/agentrt/internal/agent/providers"
	"github.com/sablerun/agentrt/internal/config"
	catalog "github.com/sablerun/agentrt/internal/models"
	"github.com/sablerun/agentrt/internal/tools/exec"
	"github.com/sablerun/agentrt/internal/tools/files"
)

// loadConfig reads configPath if non-empty, falling back to config.Default().
func loadConfig(configPath string) (*config.Config, error) {
	if strings.TrimSpace(configPath) == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// registerBuiltinTools wires the filesystem and exec tools (§4.1's
// workspace-bound tool surface) into registry, rooted at workspace.
func registerBuiltinTools(registry *agent.ToolRegistry, workspace string) error {
	if strings.TrimSpace(workspace) == "" {
		workspace = "."
	}
	filesCfg := files.Config{Workspace: workspace, MaxReadBytes: 256 * 1024}
	manager := exec.NewManager(workspace)

	tools := []agent.Tool{
		files.NewReadTool(filesCfg),
		files.NewWriteTool(filesCfg),
		files.NewEditTool(filesCfg),
		files.NewApplyPatchTool(filesCfg),
		exec.NewExecTool("exec", manager),
		exec.NewProcessTool(manager),
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool %s: %w", tool.Spec().Name, err)
		}
	}
	return nil
}

// buildModelClients constructs one ModelClient per vendor with credentials
// present in the environment and maps it under every catalog model ID
// belonging to that vendor, so Runtime.NewSession's FallbackPipeline (§4.8)
// can dispatch to it regardless of which model the router picks.
func buildModelClients(router *agent.Router) map[string]agent.ModelClient {
	clients := map[string]agent.ModelClient{}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key}); err == nil {
			for _, m := range router.Catalog().ListByProvider(catalog.ProviderAnthropic) {
				clients[m.ID] = provider
			}
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		provider := providers.NewOpenAIProvider(key)
		for _, m := range router.Catalog().ListByProvider(catalog.ProviderOpenAI) {
			clients[m.ID] = provider
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		if provider, err := providers.NewBedrockProvider(providers.BedrockConfig{Region: region}); err == nil {
			for _, m := range router.Catalog().ListByProvider(catalog.ProviderBedrock) {
				clients[m.ID] = provider
			}
		}
	}
	return clients
}

// policyByName resolves the --agent flag to a LoopPolicy (§4.9).
func policyByName(name string) (agent.LoopPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "basic", "basic_agent":
		return agent.NewBasicAgent(), nil
	case "deep_research", "deep_research_agent":
		return agent.NewDeepResearchAgent(), nil
	case "financial_research", "financial_research_agent":
		return agent.NewFinancialResearchAgent(), nil
	case "ppt", "ppt_agent":
		return agent.NewPPTAgent(), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q (want basic, deep_research, financial_research, or ppt)", name)
	}
}

// taskClassByName resolves the --task-class flag.
func taskClassByName(name string) agent.TaskClass {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deep_research":
		return agent.TaskDeepResearch
	case "financial_analysis":
		return agent.TaskFinancialAnalysis
	case "ppt_generation":
		return agent.TaskPPTGeneration
	case "code_generation":
		return agent.TaskCodeGeneration
	case "quick_qa":
		return agent.TaskQuickQA
	case "multimodal":
		return agent.TaskMultimodal
	default:
		return agent.TaskGeneral
	}
}
