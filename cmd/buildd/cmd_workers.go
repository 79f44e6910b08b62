package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

// newWorkersCmd creates the "buildd workers" subcommand.
func newWorkersCmd() *cobra.Command {
	var (
		workspace string
		runs      bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List worker endpoints and runs",
		Long: `Without flags, lists the agent endpoints known to the relay, live-probed
for current capacity. A failed probe keeps the last heartbeat's numbers and
marks the endpoint unreachable. With --runs, lists worker runs instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := observerClient()
			if err != nil {
				return err
			}
			if runs {
				return runWorkerRuns(cmd.Context(), cmd.OutOrStdout(), client, workspace, limit)
			}
			return runWorkerEndpoints(cmd.Context(), cmd.OutOrStdout(), client, workspace)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "filter by workspace")
	cmd.Flags().BoolVar(&runs, "runs", false, "list worker runs instead of endpoints")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows in --runs mode")

	return cmd
}

// runWorkerEndpoints prints the registry snapshot merged with live probes.
func runWorkerEndpoints(ctx context.Context, w io.Writer, client *relay.Client, workspace string) error {
	infos, err := client.ListEndpoints(ctx, workspace)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "no endpoints known")
		return nil
	}

	reports := probe.New(probe.Config{}).ProbeAll(ctx, infos)

	fmt.Fprintf(w, "%-28s  %-14s  %-11s  %6s  %4s  %s\n", "ENDPOINT", "ACCOUNT", "STATE", "ACTIVE", "FREE", "WORKSPACES")
	for _, r := range reports {
		state := "online"
		if !r.Online {
			state = "unreachable"
		}
		fmt.Fprintf(w, "%-28s  %-14s  %-11s  %3d/%-2d  %4d  %s\n",
			r.Info.Endpoint, accountLabel(r.Info), state,
			r.Info.ActiveWorkers, r.Info.MaxConcurrent, r.Info.Capacity(),
			strings.Join(r.Info.WorkspaceIDs, ","))
	}
	return nil
}

// runWorkerRuns prints worker runs, newest first.
func runWorkerRuns(ctx context.Context, w io.Writer, client *relay.Client, workspace string, limit int) error {
	workers, err := client.ListWorkers(ctx, relay.ListWorkersOpts{WorkspaceID: workspace, Limit: limit})
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Fprintln(w, "no worker runs found")
		return nil
	}

	fmt.Fprintf(w, "%-36s  %-22s  %-36s  %s\n", "ID", "STATUS", "TASK", "WAITING")
	for _, wk := range workers {
		fmt.Fprintf(w, "%-36s  %-22s  %-36s  %s\n", wk.ID, wk.Status, wk.TaskID, waitingLabel(wk.WaitingFor))
	}
	return nil
}

// accountLabel prefers the human name over the account ID.
func accountLabel(info protocol.WorkerEndpointInfo) string {
	if info.AccountName != "" {
		return info.AccountName
	}
	return info.AccountID
}

// waitingLabel renders what a parked worker is waiting on.
func waitingLabel(wf *protocol.WaitingFor) string {
	if wf == nil {
		return ""
	}
	if wf.Prompt == "" {
		return wf.Type
	}
	return wf.Type + ": " + wf.Prompt
}
