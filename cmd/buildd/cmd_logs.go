package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/internal/config"
	"github.com/buildd-ai/buildd-sub001/pkg/eventlog"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	workspace string
	task      string
	worker    string
	eventType string
	tail      int
	follow    bool
}

// newLogsCmd creates the "buildd logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the relay event log",
		Long: `Reads coordination events straight from the relay's database file. Works
on the host running buildd serve; remote observers follow the relay's event
feed through the dashboard instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			reader, err := eventlog.NewReader(appCfg.Server.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer func() { _ = reader.Close() }()

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, cfg)
			}
			return printLogs(cmd.Context(), reader, w, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.workspace, "workspace", "w", "", "filter by workspace")
	cmd.Flags().StringVar(&cfg.task, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&cfg.worker, "worker", "", "filter by worker ID")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type (e.g. task:claimed)")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")

	return cmd
}

// queryOpts translates the flag filters into eventlog query options.
func queryOpts(cfg logsConfig) eventlog.QueryOpts {
	return eventlog.QueryOpts{
		WorkspaceID: cfg.workspace,
		TaskID:      cfg.task,
		WorkerID:    cfg.worker,
		EventType:   cfg.eventType,
	}
}

// printLogs shows the last N matching events in chronological order.
func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	opts := queryOpts(cfg)
	opts.Limit = cfg.tail

	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	// Query returns newest first; print oldest first.
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
	}
	return nil
}

// followLogs prints the tail, then polls for newer events by log ID.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	opts := queryOpts(cfg)
	opts.Limit = cfg.tail

	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	var cursor int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
	}
	if len(events) > 0 {
		cursor = events[0].ID
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			opts := queryOpts(cfg)
			opts.AfterID = cursor

			newEvents, err := reader.Query(ctx, opts)
			if err != nil {
				return err
			}
			for i := len(newEvents) - 1; i >= 0; i-- {
				formatEvent(w, newEvents[i])
			}
			if len(newEvents) > 0 {
				cursor = newEvents[0].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
// Format: timestamp | type | workspace | task | worker | payload
func formatEvent(w io.Writer, ev eventlog.Event) {
	fmt.Fprintf(w, "%s | %-16s | %-12s | %-36s | %-36s | %s\n",
		ev.CreatedAt.Format("2006-01-02 15:04:05"),
		ev.Type, ev.WorkspaceID, ev.TaskID, ev.WorkerID, ev.Payload)
}
