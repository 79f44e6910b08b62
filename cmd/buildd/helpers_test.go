package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/registry"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
	"github.com/buildd-ai/buildd-sub001/pkg/store"
)

// relayStack is an in-process relay with its backing store and registry
// exposed so tests can arrange state directly.
type relayStack struct {
	URL      string
	Client   *relay.Client
	Store    *store.Store
	Registry *registry.Registry
}

// startRelay runs a relay over a temp database and points the CLI env at it.
// BUILDD_HOME and BUILDD_RELAY_URL are scoped to the test.
func startRelay(t *testing.T) *relayStack {
	t.Helper()

	home := t.TempDir()
	dbPath := filepath.Join(home, "buildd.db")
	t.Setenv("BUILDD_HOME", home)
	t.Setenv("BUILDD_DB_PATH", dbPath)
	t.Setenv("BUILDD_TOKEN", "")

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	reg := registry.New()
	srv := relay.New(st, reg, relay.Config{})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Setenv("BUILDD_RELAY_URL", ts.URL)

	return &relayStack{
		URL:      ts.URL,
		Client:   relay.NewClient(ts.URL, relay.ClientConfig{HTTPClient: ts.Client()}),
		Store:    st,
		Registry: reg,
	}
}

// runCmd executes the CLI with args and returns its combined output.
func runCmd(ctx context.Context, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// waitFor polls cond every 10ms until it holds or 5s lapse.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// syncBuffer is a bytes.Buffer safe to write from a command goroutine while
// the test polls its contents.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
