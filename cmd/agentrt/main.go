// Package main provides the CLI entry point for agentrt, a policy-driven
// agent runtime: a think/decide/act loop over a pluggable model fallback
// pipeline and a workspace-bound tool surface.
//
// # Basic Usage
//
// Run a single prompt:
//
//	agentrt run "summarize the README" --workspace .
//
// Stream the run as Server-Sent Events:
//
//	agentrt run "summarize the README" --format sse
//
// List the tools a run would register:
//
//	agentrt tools list --workspace .
//
// Inspect a decision-trace export:
//
//	agentrt trace stats trace.jsonl
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - AWS_REGION: enables the Bedrock provider (plus the standard AWS
//     credential chain)
package main

import (
	"log/slog"
	"os"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
