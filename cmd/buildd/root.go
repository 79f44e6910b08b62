package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/internal/version"
)

// newRootCmd creates the root buildd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "buildd",
		Short:         "Task relay and worker coordination",
		Long:          "buildd hands tasks between a relay and worker agents.\nIt runs the relay, runs agents, and gives operators a task-level CLI.",
		Version:       fmt.Sprintf("buildd %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newAgentCmd(),
		newTaskCmd(),
		newInstructCmd(),
		newWorkersCmd(),
		newProbeCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "buildd version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the buildd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "buildd %s\n", version.String())
		},
	}
}
