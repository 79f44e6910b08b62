package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/internal/config"
	"github.com/buildd-ai/buildd-sub001/pkg/agent"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

// relayWaitTimeout bounds the startup wait for a reachable relay.
const relayWaitTimeout = 30 * time.Second

// agentConfig holds flag overrides for the agent command.
type agentConfig struct {
	relayURL    string
	listenAddr  string
	endpoint    string
	accountID   string
	accountName string
	maxRuns     int
	workspaces  []string
	token       string
}

// newAgentCmd creates the "buildd agent" subcommand.
func newAgentCmd() *cobra.Command {
	var flags agentConfig

	cmd := &cobra.Command{
		Use:   "agent [flags] -- <command> [args]",
		Short: "Run a worker agent",
		Long: `Runs a worker agent: claims tasks from the relay, executes each one with
the given command, reports progress, heartbeats capacity, and serves the
direct-connect surface observers probe and push instructions to.

The command after -- runs once per claimed task with BUILDD_TASK_* variables
in its environment; instructions arrive line-by-line on its stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), flags, args)
		},
	}

	cmd.Flags().StringVar(&flags.relayURL, "relay", "", "relay base URL (default http://127.0.0.1:9700)")
	cmd.Flags().StringVar(&flags.listenAddr, "listen", "", "direct-connect listen address (default :9801)")
	cmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "advertised endpoint URL (default derived from --listen)")
	cmd.Flags().StringVar(&flags.accountID, "account", "", "account ID reported in heartbeats")
	cmd.Flags().StringVar(&flags.accountName, "name", "", "human-readable account name")
	cmd.Flags().IntVar(&flags.maxRuns, "max-concurrent", 0, "max simultaneous task runs (default 1)")
	cmd.Flags().StringSliceVarP(&flags.workspaces, "workspace", "w", nil, "workspace to claim tasks from (repeatable)")
	cmd.Flags().StringVar(&flags.token, "token", "", "viewer token gating the direct-connect surface")

	return cmd
}

// runAgent resolves config, waits for the relay, and runs the agent until
// ctx ends.
func runAgent(ctx context.Context, out, errOut io.Writer, flags agentConfig, command []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyAgentFlags(&cfg.Agent, flags)

	if len(command) == 0 {
		command = cfg.Agent.RunCommand
	}
	if len(command) == 0 {
		return fmt.Errorf("no run command: pass one after --, or set run_command in %s", cfg.Path())
	}
	if len(cfg.Agent.Workspaces) == 0 {
		return errors.New("no workspaces: pass --workspace, or set workspaces in the config")
	}

	client := relay.NewClient(cfg.Agent.RelayURL, relay.ClientConfig{})

	startup := newStartupLog(out, isatty.IsTerminal(os.Stdout.Fd()))
	stopSpinner := startup.StartSpinner(fmt.Sprintf("relay %s", cfg.Agent.RelayURL))
	if err := waitForRelay(ctx, client); err != nil {
		return err
	}
	stopSpinner()

	a, err := agent.New(agent.Config{
		Client:        client,
		Runner:        &agent.ExecRunner{Command: command},
		ListenAddr:    cfg.Agent.ListenAddr,
		Endpoint:      cfg.Agent.Endpoint,
		AccountID:     cfg.Agent.AccountID,
		AccountName:   cfg.Agent.AccountName,
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		Workspaces:    cfg.Agent.Workspaces,
		ViewerToken:   cfg.Agent.ViewerToken,
		Logger:        slog.New(slog.NewJSONHandler(errOut, nil)),
	})
	if err != nil {
		return err
	}

	startup.Step(fmt.Sprintf("direct surface on %s", cfg.Agent.ListenAddr))
	startup.Step(fmt.Sprintf("claiming from %s", strings.Join(cfg.Agent.Workspaces, ", ")))
	return a.Run(ctx)
}

// applyAgentFlags overlays set flags onto the loaded agent config.
func applyAgentFlags(cfg *config.Agent, flags agentConfig) {
	if flags.relayURL != "" {
		cfg.RelayURL = flags.relayURL
	}
	if flags.listenAddr != "" {
		cfg.ListenAddr = flags.listenAddr
	}
	if flags.endpoint != "" {
		cfg.Endpoint = flags.endpoint
	}
	if flags.accountID != "" {
		cfg.AccountID = flags.accountID
	}
	if flags.accountName != "" {
		cfg.AccountName = flags.accountName
	}
	if flags.maxRuns > 0 {
		cfg.MaxConcurrent = flags.maxRuns
	}
	if len(flags.workspaces) > 0 {
		cfg.Workspaces = flags.workspaces
	}
	if flags.token != "" {
		cfg.ViewerToken = flags.token
	}
}

// waitForRelay polls the relay health endpoint until it answers or the wait
// times out.
func waitForRelay(ctx context.Context, client *relay.Client) error {
	deadline := time.Now().Add(relayWaitTimeout)
	for {
		if err := client.Health(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("relay not reachable at %s after %s", client.BaseURL(), relayWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
