package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/pkg/instruct"
	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

// newInstructCmd creates the "buildd instruct" subcommand.
func newInstructCmd() *cobra.Command {
	var (
		msgType  string
		priority int
	)

	cmd := &cobra.Command{
		Use:   "instruct <worker-id> <message>",
		Short: "Send an instruction to a running worker",
		Long: `Sends a message to a worker. The worker's direct endpoint is tried first;
if it cannot take the message, the instruction queues on the relay and the
worker picks it up with its next status report.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := observerClient()
			if err != nil {
				return err
			}
			deliverer := instruct.New(client, client, instruct.Config{
				Tokens: relayTokens{client: client, fallback: cfg.Dashboard.ViewerToken},
				Prober: probe.New(probe.Config{}),
			})
			req := protocol.InstructRequest{
				Message:  strings.Join(args[1:], " "),
				Type:     msgType,
				Priority: priority,
			}
			return runInstruct(cmd.Context(), cmd.OutOrStdout(), deliverer, args[0], req)
		},
	}

	cmd.Flags().StringVar(&msgType, "type", "", "instruction type label")
	cmd.Flags().IntVar(&priority, "priority", 0, "instruction priority")

	return cmd
}

// runInstruct delivers one instruction and reports which path carried it.
func runInstruct(ctx context.Context, w io.Writer, deliverer *instruct.Deliverer, workerID string, req protocol.InstructRequest) error {
	receipt, err := deliverer.Deliver(ctx, workerID, req)
	if err != nil {
		return err
	}
	switch receipt.Via {
	case instruct.ViaDirect:
		fmt.Fprintf(w, "delivered directly to worker %s\n", workerID)
	case instruct.ViaRelay:
		fmt.Fprintf(w, "queued on relay (instruction %d), delivered at the worker's next report\n", receipt.InstructionID)
	}
	return nil
}

// relayTokens resolves direct-connect viewer tokens from the relay's
// heartbeat snapshots, falling back to the configured token.
type relayTokens struct {
	client   *relay.Client
	fallback string
}

// ViewerToken looks the endpoint up in the registry snapshot. Best-effort: a
// relay error just yields the fallback.
func (t relayTokens) ViewerToken(endpoint string) string {
	ctx, cancel := context.WithTimeout(context.Background(), protocol.ProbeTimeout)
	defer cancel()
	infos, err := t.client.ListEndpoints(ctx, "")
	if err == nil {
		for _, info := range infos {
			if info.Endpoint == endpoint && info.ViewerToken != "" {
				return info.ViewerToken
			}
		}
	}
	return t.fallback
}
