package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/pkg/assign"
	"github.com/buildd-ai/buildd-sub001/pkg/eventbus"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

// newTaskCmd creates the "buildd task" subcommand group.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect, and reassign tasks",
	}

	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskListCmd(),
		newTaskShowCmd(),
		newTaskReassignCmd(),
		newTaskImportCmd(),
	)
	return cmd
}

// newTaskCreateCmd creates the "buildd task create" subcommand.
func newTaskCreateCmd() *cobra.Command {
	var (
		workspace   string
		description string
		priority    int
		blockedBy   []string
		target      string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Long: `Creates a task in a workspace. With --target the relay opens an acceptance
offer on that endpoint; --watch stays attached until the offer settles.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := observerClient()
			if err != nil {
				return err
			}
			req := protocol.CreateTaskRequest{
				WorkspaceID:    workspace,
				Title:          strings.Join(args, " "),
				Description:    description,
				Priority:       priority,
				BlockedBy:      blockedBy,
				TargetEndpoint: target,
			}
			return runTaskCreate(cmd.Context(), cmd.OutOrStdout(), client, req, watch)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace the task belongs to (required)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "longer task description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority; higher claims first")
	cmd.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "task IDs that must complete first")
	cmd.Flags().StringVar(&target, "target", "", "endpoint to offer the task to first")
	cmd.Flags().BoolVar(&watch, "watch", false, "wait for a targeted offer to settle")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

// runTaskCreate submits the task. With watch and a target it keeps the
// acceptance attempt open and reports how it settled: claimed by the target,
// or lapsed and returned to the open pool.
func runTaskCreate(ctx context.Context, w io.Writer, client *relay.Client, req protocol.CreateTaskRequest, watch bool) error {
	if !watch || req.TargetEndpoint == "" {
		task, err := client.CreateTask(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "task %s created (%s)\n", task.ID, task.Status)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The push half of the claim race: relay events feed the session bus.
	// The attempt's poll covers anything the feed misses.
	bus := eventbus.New()
	go func() {
		opts := relay.StreamOpts{
			Scopes:  []string{protocol.WorkspaceScope(req.WorkspaceID)},
			AfterID: relay.FromTail,
		}
		_ = client.Follow(ctx, opts, bus.Publish)
	}()

	coord := assign.New(client, bus, assign.Config{})
	task, attempt, err := coord.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "task %s created (%s)\n", task.ID, task.Status)
	if attempt == nil {
		return nil
	}

	window := attempt.Deadline.Sub(attempt.StartedAt).Round(time.Second)
	fmt.Fprintf(w, "offer open on %s (%s window)\n", attempt.TargetEndpoint, window)

	res, err := attempt.Wait(ctx)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case assign.OutcomeClaimed:
		if res.WorkerID != "" {
			fmt.Fprintf(w, "claimed by worker %s\n", res.WorkerID)
		} else {
			fmt.Fprintln(w, "claimed")
		}
	case assign.OutcomeTimedOutReassigned:
		if res.Err != nil {
			return fmt.Errorf("offer lapsed, reassignment failed: %w", res.Err)
		}
		fmt.Fprintln(w, "offer lapsed, task returned to the open pool")
	case assign.OutcomeCancelled:
		fmt.Fprintln(w, "watch cancelled")
	}
	return nil
}

// newTaskListCmd creates the "buildd task list" subcommand.
func newTaskListCmd() *cobra.Command {
	var (
		workspace string
		status    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := observerClient()
			if err != nil {
				return err
			}
			tasks, err := client.ListTasks(cmd.Context(), relay.ListTasksOpts{
				WorkspaceID: workspace,
				Status:      protocol.TaskStatus(status),
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			printTaskTable(cmd.OutOrStdout(), tasks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "filter by workspace")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, ...)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	return cmd
}

// newTaskShowCmd creates the "buildd task show" subcommand.
func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := observerClient()
			if err != nil {
				return err
			}
			task, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTaskDetail(cmd.OutOrStdout(), task)
			return nil
		},
	}
}

// newTaskReassignCmd creates the "buildd task reassign" subcommand.
func newTaskReassignCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reassign <task-id>",
		Short: "Return a task to the claimable pool",
		Long: `Clears a task's offer and worker binding so any eligible agent can claim
it. Terminal tasks are refused unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := observerClient()
			if err != nil {
				return err
			}
			task, err := client.ReassignTask(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if task.WorkerID == "" && task.TargetEndpoint == "" && !protocol.IsTerminal(task.Status) {
				fmt.Fprintf(w, "task %s returned to pool (%s)\n", task.ID, task.Status)
			} else {
				fmt.Fprintf(w, "task %s unchanged (%s): a claim or completion got there first, use --force to override\n", task.ID, task.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reassign even a completed or failed task")

	return cmd
}

// printTaskTable writes tasks as fixed-width columns.
func printTaskTable(w io.Writer, tasks []protocol.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks found")
		return
	}
	fmt.Fprintf(w, "%-36s  %-12s  %4s  %-14s  %s\n", "ID", "STATUS", "PRIO", "WORKSPACE", "TITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%-36s  %-12s  %4d  %-14s  %s\n", t.ID, t.Status, t.Priority, t.WorkspaceID, t.Title)
	}
}

// printTaskDetail writes one task as labeled lines, omitting empty fields.
func printTaskDetail(w io.Writer, t protocol.Task) {
	fmt.Fprintf(w, "id:          %s\n", t.ID)
	fmt.Fprintf(w, "workspace:   %s\n", t.WorkspaceID)
	fmt.Fprintf(w, "title:       %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(w, "description: %s\n", t.Description)
	}
	fmt.Fprintf(w, "status:      %s\n", t.Status)
	fmt.Fprintf(w, "priority:    %d\n", t.Priority)
	if len(t.BlockedBy) > 0 {
		fmt.Fprintf(w, "blocked by:  %s\n", strings.Join(t.BlockedBy, ", "))
	}
	if t.TargetEndpoint != "" && t.OfferExpiresAt > 0 {
		expires := time.UnixMilli(t.OfferExpiresAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "offer:       %s until %s\n", t.TargetEndpoint, expires)
	}
	if t.WorkerID != "" {
		fmt.Fprintf(w, "worker:      %s\n", t.WorkerID)
	}
	fmt.Fprintf(w, "created:     %s\n", t.CreatedAt)
	fmt.Fprintf(w, "updated:     %s\n", t.UpdatedAt)
}
