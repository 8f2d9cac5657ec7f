package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sablerun/agentrt/internal/agent"
)

// buildToolsCmd creates the "tools" command group for inspecting the
// builtin tool surface (§4.1) without running an agent session.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the registered tool surface",
	}
	cmd.AddCommand(buildToolsListCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tools the runtime would register for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			rt := agent.NewDefaultRuntime(cfg)
			if err := registerBuiltinTools(rt.Registry(), workspace); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, spec := range rt.Registry().AsModelTools() {
				confirm := ""
				if spec.RequiresConfirmation {
					confirm = " (requires confirmation)"
				}
				fmt.Fprintf(out, "%-14s [%s]%s\n  %s\n", spec.Name, spec.Risk, confirm, spec.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (optional, defaults applied otherwise)")
	cmd.Flags().StringVar(&workspace, "workspace", ".", "Workspace directory the filesystem/exec tools are rooted at")
	return cmd
}
