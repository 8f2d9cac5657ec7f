package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sablerun/agentrt/internal/agent"
)

// maybeExportTrace writes rt's decision trace for sessionID to path as
// JSON lines (DecisionTraceStore.Export) when path is non-empty.
func maybeExportTrace(rt *agent.Runtime, sessionID, path string) error {
	if path == "" {
		return nil
	}
	data, err := rt.Trace().Export(sessionID)
	if err != nil {
		return fmt.Errorf("export trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write trace file %s: %w", path, err)
	}
	return nil
}

// buildTraceCmd creates the "trace" command group for inspecting JSONL
// decision-trace exports produced by `agentrt run --trace-out`.
func buildTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect decision-trace JSONL exports",
		Long: `Inspect JSONL decision-trace files produced by "agentrt run --trace-out".

Each line is one DecisionTraceRecord: a state transition, a tool call
admission, or a tool result (§4.5).`,
	}
	cmd.AddCommand(buildTraceStatsCmd())
	return cmd
}

func buildTraceStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <file>",
		Short: "Summarize a decision-trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open trace file: %w", err)
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			var total, toolCalls, toolResults, failures, transitions int
			uniqueTools := map[string]bool{}

			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var rec agent.DecisionTraceRecord
				if err := json.Unmarshal(line, &rec); err != nil {
					return fmt.Errorf("parse trace record: %w", err)
				}
				total++
				switch rec.Kind {
				case agent.TraceStateTransition:
					transitions++
				case agent.TraceToolCall:
					toolCalls++
				case agent.TraceToolResult:
					toolResults++
					if rec.ExitCode != 0 {
						failures++
					}
				}
				if rec.ToolName != "" {
					uniqueTools[rec.ToolName] = true
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read trace file: %w", err)
			}

			fmt.Fprintf(out, "Records:           %d\n", total)
			fmt.Fprintf(out, "State transitions: %d\n", transitions)
			fmt.Fprintf(out, "Tool calls:        %d\n", toolCalls)
			fmt.Fprintf(out, "Tool results:      %d\n", toolResults)
			fmt.Fprintf(out, "Failures:          %d\n", failures)
			fmt.Fprintf(out, "Unique tools:      %d\n", len(uniqueTools))
			return nil
		},
	}
	return cmd
}
