package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/internal/config"
	"github.com/buildd-ai/buildd-sub001/pkg/probe"
)

// newProbeCmd creates the "buildd probe" subcommand.
func newProbeCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "probe <endpoint>",
		Short: "Probe a worker endpoint directly",
		Long: `Pings the endpoint's health surface without going through the relay and
prints the capacity it reports. Any failure, including a bad token, reads
as unreachable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if token == "" {
				token = cfg.Dashboard.ViewerToken
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), probe.New(probe.Config{}), args[0], token)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "viewer token (default from config)")

	return cmd
}

// runProbe pings one endpoint and prints what it reports.
func runProbe(ctx context.Context, w io.Writer, prober *probe.Prober, endpoint, token string) error {
	health, err := prober.Probe(ctx, endpoint, token)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s is alive\n", endpoint)
	fmt.Fprintf(w, "active:   %d\n", health.ActiveWorkers)
	fmt.Fprintf(w, "max:      %d\n", health.MaxConcurrent)
	fmt.Fprintf(w, "capacity: %d\n", health.Capacity)
	return nil
}
