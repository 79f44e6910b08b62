// Package main implements buildd-dash, the interactive observer dashboard
// for a buildd relay.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/buildd-ai/buildd-sub001/internal/config"
	"github.com/buildd-ai/buildd-sub001/pkg/instruct"
	"github.com/buildd-ai/buildd-sub001/pkg/prefs"
	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

func main() {
	var (
		workspace = flag.String("workspace", "", "workspace to observe (default: all)")
		relayURL  = flag.String("relay", "", "relay URL (default from config)")
		jsonOut   = flag.Bool("json", false, "print one JSON snapshot and exit")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildd-dash: %v\n", err)
		os.Exit(1)
	}

	base := *relayURL
	if base == "" {
		base = cfg.Dashboard.RelayURL
	}

	store, err := prefs.OpenFile(filepath.Join(cfg.Home, protocol.PrefsFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildd-dash: %v\n", err)
		os.Exit(1)
	}
	ws := resolveWorkspace(*workspace, cfg.Dashboard.Workspace, store)

	client := relay.NewClient(base, relay.ClientConfig{})
	prober := probe.New(probe.Config{})

	if *jsonOut {
		if err := writeSnapshot(os.Stdout, client, prober, ws); err != nil {
			fmt.Fprintf(os.Stderr, "buildd-dash: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "buildd-dash: stdout is not a terminal, use --json for a snapshot")
		os.Exit(1)
	}

	tokens := newTokenStore(cfg.Dashboard.ViewerToken)
	deliverer := instruct.New(client, client, instruct.Config{
		Tokens: tokens,
		Prober: prober,
	})

	// Watch the relay database directory only when it actually exists on
	// this host; remote sessions run on the feed and the poll loop alone.
	stateDir := ""
	if _, err := os.Stat(cfg.Server.DBPath); err == nil {
		stateDir = filepath.Dir(cfg.Server.DBPath)
	}

	m := newModel(sessionConfig{
		Source:    client,
		Prober:    prober,
		Deliverer: deliverer,
		Tokens:    tokens,
		Workspace: ws,
		StateDir:  stateDir,
		Prefs:     store,
	})

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "buildd-dash: %v\n", err)
		os.Exit(1)
	}
}

// resolveWorkspace picks the workspace filter: explicit flag first, then the
// config file, then whatever the last session watched. An explicit choice is
// remembered for next time.
func resolveWorkspace(flagWS, cfgWS string, store prefs.Store) string {
	if flagWS != "" {
		_ = store.Set(prefKeyWorkspace, flagWS)
		return flagWS
	}
	if cfgWS != "" {
		return cfgWS
	}
	ws, _ := store.Get(prefKeyWorkspace)
	return ws
}

// writeSnapshot prints one JSON snapshot of the observed state, for
// scripts and non-interactive callers.
func writeSnapshot(w io.Writer, src dataSource, prober *probe.Prober, workspace string) error {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout+protocol.ProbeTimeout)
	defer cancel()

	tasks, err := src.ListTasks(ctx, relay.ListTasksOpts{WorkspaceID: workspace})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	workers, err := src.ListWorkers(ctx, relay.ListWorkersOpts{WorkspaceID: workspace})
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	infos, err := src.ListEndpoints(ctx, workspace)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}

	snapshot := map[string]any{
		"tasks":     tasks,
		"workers":   workers,
		"endpoints": prober.ProbeAll(ctx, infos),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}
