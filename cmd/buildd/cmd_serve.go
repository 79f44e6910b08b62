package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/buildd-ai/buildd-sub001/internal/config"
	"github.com/buildd-ai/buildd-sub001/pkg/registry"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
	"github.com/buildd-ai/buildd-sub001/pkg/store"
)

// serveConfig holds flag overrides for the serve command.
type serveConfig struct {
	addr   string
	dbPath string
}

// newServeCmd creates the "buildd serve" subcommand.
func newServeCmd() *cobra.Command {
	var flags serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Runs the buildd relay: the task store, the heartbeat registry, the claim
API, and the event feed. Serves until interrupted, then drains gracefully.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address (default :9700)")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "state database path (default $BUILDD_HOME/buildd.db)")

	return cmd
}

// runServe wires the store, the registry, and the relay server together and
// serves until ctx ends.
func runServe(ctx context.Context, out, errOut io.Writer, flags serveConfig) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.dbPath != "" {
		cfg.Server.DBPath = flags.dbPath
	}

	if err := cfg.EnsureHome(); err != nil {
		return err
	}

	startup := newStartupLog(out, isatty.IsTerminal(os.Stdout.Fd()))
	startup.Step(fmt.Sprintf("state directory %s", cfg.Home))

	db, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	startup.Step(fmt.Sprintf("database %s", cfg.Server.DBPath))

	srv := relay.New(store.New(db), registry.New(), relay.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         slog.New(slog.NewJSONHandler(errOut, nil)),
	})

	startup.Step(fmt.Sprintf("relay listening on %s", cfg.Server.Addr))
	return srv.Run(ctx)
}
