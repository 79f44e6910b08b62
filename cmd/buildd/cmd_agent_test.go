package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/buildd-ai/buildd-sub001/internal/config"
)

// testAgentFileConfig mimics an agent section loaded from a config file.
func testAgentFileConfig() config.Agent {
	return config.Agent{
		RelayURL:      "http://file:9700",
		AccountID:     "acct-file",
		MaxConcurrent: 1,
		Workspaces:    []string{"ws-file"},
	}
}

func TestAgentHeartbeatsUntilStopped(t *testing.T) {
	stack := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	errCh := make(chan error, 1)
	flags := agentConfig{
		listenAddr: "127.0.0.1:0",
		accountID:  "acct-cli",
		workspaces: []string{"ws-cli"},
	}
	go func() {
		errCh <- runAgent(ctx, &out, io.Discard, flags, []string{"sh", "-c", "exit 0"})
	}()

	waitFor(t, "heartbeat in registry", func() bool {
		return len(stack.Registry.List()) == 1
	})
	info := stack.Registry.List()[0]
	if info.AccountID != "acct-cli" {
		t.Errorf("expected account acct-cli, got %q", info.AccountID)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("agent: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after cancel")
	}

	if !strings.Contains(out.String(), "claiming from ws-cli") {
		t.Errorf("missing startup output, got %q", out.String())
	}
}

func TestAgentRequiresRunCommand(t *testing.T) {
	t.Setenv("BUILDD_HOME", t.TempDir())

	err := runAgent(context.Background(), io.Discard, io.Discard,
		agentConfig{workspaces: []string{"ws-x"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "no run command") {
		t.Fatalf("expected run command error, got %v", err)
	}
}

func TestAgentRequiresWorkspaces(t *testing.T) {
	t.Setenv("BUILDD_HOME", t.TempDir())

	err := runAgent(context.Background(), io.Discard, io.Discard,
		agentConfig{}, []string{"sh", "-c", "exit 0"})
	if err == nil || !strings.Contains(err.Error(), "no workspaces") {
		t.Fatalf("expected workspace error, got %v", err)
	}
}

func TestApplyAgentFlagsOverlaysOnlySetValues(t *testing.T) {
	cfg := testAgentFileConfig()
	applyAgentFlags(&cfg, agentConfig{relayURL: "http://other:9700", maxRuns: 4})

	if cfg.RelayURL != "http://other:9700" {
		t.Errorf("relay url not overridden: %q", cfg.RelayURL)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("max concurrent not overridden: %d", cfg.MaxConcurrent)
	}
	if cfg.AccountID != "acct-file" {
		t.Errorf("account id should be untouched, got %q", cfg.AccountID)
	}
	if len(cfg.Workspaces) != 1 || cfg.Workspaces[0] != "ws-file" {
		t.Errorf("workspaces should be untouched, got %v", cfg.Workspaces)
	}
}
