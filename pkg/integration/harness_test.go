// Package integration_test wires a real relay, store, registry, and agent
// together over HTTP and exercises full task lifecycles without mocking the
// transport.
package integration_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/agent"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/registry"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
	"github.com/buildd-ai/buildd-sub001/pkg/store"
)

// testStack is an in-process relay with its backing store, registry, and raw
// database handle exposed so tests can arrange and assert state directly.
type testStack struct {
	URL      string
	Client   *relay.Client
	Store    *store.Store
	Registry *registry.Registry
	DB       *sql.DB
}

// startStack serves a relay over a temp database behind httptest. The feed
// poll is cranked down so SSE subscribers see events quickly.
func startStack(t *testing.T) *testStack {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "buildd.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	reg := registry.New()
	srv := relay.New(st, reg, relay.Config{
		FeedPollInterval: 20 * time.Millisecond,
		Logger:           quietLogger(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{
		URL:      ts.URL,
		Client:   relay.NewClient(ts.URL, relay.ClientConfig{HTTPClient: ts.Client()}),
		Store:    st,
		Registry: reg,
		DB:       db,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptRunner is an agent.Runner tests drive by hand. Each run records its
// task and any inbox messages, then blocks until the test releases it with
// the error the run should end with.
type scriptRunner struct {
	mu       sync.Mutex
	started  []string
	messages map[string][]string
	release  chan error
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		messages: make(map[string][]string),
		release:  make(chan error),
	}
}

func (r *scriptRunner) Run(ctx context.Context, task protocol.Task, inbox <-chan string) error {
	r.mu.Lock()
	r.started = append(r.started, task.ID)
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inbox:
			r.mu.Lock()
			r.messages[task.ID] = append(r.messages[task.ID], msg)
			r.mu.Unlock()
		case err := <-r.release:
			return err
		}
	}
}

func (r *scriptRunner) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	dst := make([]string, len(r.started))
	copy(dst, r.started)
	return dst
}

func (r *scriptRunner) Messages(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	dst := make([]string, len(r.messages[taskID]))
	copy(dst, r.messages[taskID])
	return dst
}

// Release ends the waiting run with err as its result.
func (r *scriptRunner) Release(t *testing.T, err error) {
	t.Helper()
	select {
	case r.release <- err:
	case <-time.After(2 * time.Second):
		t.Fatal("no run waiting for release")
	}
}

// agentHarness is a running agent plus the handles tests drive it with.
type agentHarness struct {
	Endpoint string
	Runner   *scriptRunner

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

// startAgent runs an agent against the stack with fast loop cadences and
// waits until its first heartbeat lands in the registry.
func startAgent(t *testing.T, stack *testStack, workspaces []string) *agentHarness {
	t.Helper()

	runner := newScriptRunner()
	addr := freeAddr(t)
	ag, err := agent.New(agent.Config{
		Client:            stack.Client,
		Runner:            runner,
		ListenAddr:        addr,
		AccountName:       "integ-agent",
		Workspaces:        workspaces,
		HeartbeatInterval: 25 * time.Millisecond,
		ClaimInterval:     25 * time.Millisecond,
		ReportInterval:    25 * time.Millisecond,
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &agentHarness{
		Endpoint: "http://" + addr,
		Runner:   runner,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { h.done <- ag.Run(ctx) }()
	t.Cleanup(func() { h.Stop(t) })

	waitFor(t, 2*time.Second, "agent heartbeat registered", func() bool {
		_, ok := stack.Registry.Lookup(h.Endpoint)
		return ok
	})
	return h
}

// Stop cancels the agent and waits for a clean exit. Safe to call twice.
func (h *agentHarness) Stop(t *testing.T) {
	t.Helper()
	h.once.Do(func() {
		h.cancel()
		select {
		case err := <-h.done:
			if err != nil {
				t.Errorf("agent exited with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("agent shutdown timed out")
		}
	})
}

// freeAddr reserves an ephemeral loopback port and returns it as a listen
// address. The listener is closed right away so the caller can bind it.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// waitFor polls a condition until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, desc string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", desc)
}

// eventTypes projects the type sequence out of an event slice.
func eventTypes(events []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// countType counts events of one type.
func countType(events []protocol.Event, et protocol.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == et {
			n++
		}
	}
	return n
}

// assertEventOrder checks that want appears as an ordered subsequence of the
// event log, ignoring interleaved progress events.
func assertEventOrder(t *testing.T, events []protocol.Event, want ...protocol.EventType) {
	t.Helper()
	i := 0
	for _, ev := range events {
		if i < len(want) && ev.Type == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Errorf("event order = %v, want subsequence %v (matched %d)", eventTypes(events), want, i)
	}
}
