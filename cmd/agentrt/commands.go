package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sablerun/agentrt/internal/agent"
	"github.com/sablerun/agentrt/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// buildRootCmd creates the root command with every subcommand attached.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentrt",
		Short:        "agentrt - a policy-driven agent runtime",
		Long:         "agentrt runs a think/decide/act agent loop over a pluggable model fallback pipeline and a workspace-bound tool surface.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildTraceCmd(), buildToolsCmd())
	return root
}

// buildRunCmd creates the "run" command: drives one AgentLoop session per
// prompt (one positional argument, or one per stdin line) and streams the
// resulting Events to stdout.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		agentKind  string
		taskClass  string
		format     string
		sessionID  string
		traceOut   string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one agent session",
		Long: `Run drives one AgentLoop session (§4.9) to completion over the given
prompt, or reads prompts one per line from stdin when none is given.

Model credentials are read from the environment: ANTHROPIC_API_KEY,
OPENAI_API_KEY, AWS_REGION (plus the standard AWS credential chain for
Bedrock). At least one must be set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			rt := agent.NewDefaultRuntime(cfg)
			if err := registerBuiltinTools(rt.Registry(), workspace); err != nil {
				return err
			}

			policy, err := policyByName(agentKind)
			if err != nil {
				return err
			}

			clients := buildModelClients(rt.Router())
			if len(clients) == 0 {
				return fmt.Errorf("no model credentials found in the environment (ANTHROPIC_API_KEY, OPENAI_API_KEY, or AWS_REGION)")
			}

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			task := taskClassByName(taskClass)
			out := cmd.OutOrStdout()
			var encoder *sseEncoder
			if format == "sse" {
				encoder = newSSEEncoder(out)
			}

			runPrompt := func(prompt string) error {
				loop := rt.NewSessionForTask(policy, sessionID, clients, task)
				return drainRun(cmd.Context(), loop, prompt, out, encoder)
			}

			if len(args) == 1 {
				if err := runPrompt(args[0]); err != nil {
					return err
				}
				return maybeExportTrace(rt, sessionID, traceOut)
			}

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				prompt := strings.TrimSpace(scanner.Text())
				if prompt == "" {
					continue
				}
				if err := runPrompt(prompt); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return maybeExportTrace(rt, sessionID, traceOut)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (optional, defaults applied otherwise)")
	cmd.Flags().StringVar(&workspace, "workspace", ".", "Workspace directory the filesystem/exec tools are rooted at")
	cmd.Flags().StringVar(&agentKind, "agent", "basic", "Agent kind: basic, deep_research, financial_research, ppt")
	cmd.Flags().StringVar(&taskClass, "task-class", "general", "Task class used for model routing")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or sse")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (random if omitted; reused across stdin prompts)")
	cmd.Flags().StringVar(&traceOut, "trace-out", "", "If set, export the session's decision trace as JSON to this path after the run")
	return cmd
}

// drainRun runs loop over a single user message and writes every Event to
// out, either as SSE frames or as a terse human-readable log.
func drainRun(ctx context.Context, loop *agent.AgentLoop, prompt string, out io.Writer, encoder *sseEncoder) error {
	stream := loop.Run(ctx, []models.Message{{Role: models.RoleUser, Content: prompt}})
	for evt := range stream.C() {
		if encoder != nil {
			if err := encoder.Encode(evt); err != nil {
				return err
			}
			continue
		}
		printEventText(out, evt)
	}
	return nil
}

// printEventText renders an Event as a single human-readable line, the way
// an operator watching a run would want to see it.
func printEventText(out io.Writer, evt models.Event) {
	switch evt.Kind {
	case models.EventContent:
		fmt.Fprint(out, evt.Content.Text)
	case models.EventThinking:
		fmt.Fprintf(out, "[thinking] %s\n", evt.Thinking.Text)
	case models.EventToolCall:
		fmt.Fprintf(out, "[tool] %s(%s) %s\n", evt.ToolCall.ToolName, evt.ToolCall.CallID, evt.ToolCall.Status)
	case models.EventToolResult:
		status := string(evt.ToolResult.Status)
		if evt.ToolResult.Progress != "" {
			status = fmt.Sprintf("%s %s", status, evt.ToolResult.Progress)
		}
		fmt.Fprintf(out, "[tool result] %s: %s\n", evt.ToolResult.CallID, status)
	case models.EventConfirmRequired:
		fmt.Fprintf(out, "[confirm required] %s: %s\n", evt.ConfirmRequired.ToolName, evt.ConfirmRequired.Description)
	case models.EventStatus:
		fmt.Fprintf(out, "[status] %s\n", evt.Status.Text)
	case models.EventError:
		fmt.Fprintf(out, "[error] %s: %s\n", evt.Error.Kind, evt.Error.Message)
	case models.EventDone:
		fmt.Fprintf(out, "\n[done] status=%s iterations=%d tokens=%d\n", evt.Done.Status, evt.Done.Iterations, evt.Done.TokensUsed)
	}
}
