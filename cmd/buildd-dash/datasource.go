package main

import (
	"context"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

// fetchTimeout bounds each poll round trip so a hung relay cannot freeze
// the refresh loop.
const fetchTimeout = 3 * time.Second

// dataSource is the slice of the relay API the dashboard reads from.
// *relay.Client satisfies it.
type dataSource interface {
	ListTasks(ctx context.Context, opts relay.ListTasksOpts) ([]protocol.Task, error)
	ListWorkers(ctx context.Context, opts relay.ListWorkersOpts) ([]protocol.Worker, error)
	ListEndpoints(ctx context.Context, workspaceID string) ([]protocol.WorkerEndpointInfo, error)
	Follow(ctx context.Context, opts relay.StreamOpts, publish func(protocol.Event)) error
}

type tasksMsg struct {
	tasks []protocol.Task
	err   error
}

type workersMsg struct {
	workers []protocol.Worker
	err     error
}

type endpointsMsg struct {
	reports []probe.Report
	err     error
}

type feedEventMsg protocol.Event

type feedClosedMsg struct {
	err error
}

func fetchTasksCmd(src dataSource, workspace string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		tasks, err := src.ListTasks(ctx, relay.ListTasksOpts{WorkspaceID: workspace})
		return tasksMsg{tasks: tasks, err: err}
	}
}

func fetchWorkersCmd(src dataSource, workspace string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		workers, err := src.ListWorkers(ctx, relay.ListWorkersOpts{WorkspaceID: workspace})
		return workersMsg{workers: workers, err: err}
	}
}

// fetchEndpointsCmd lists the registered endpoints and probes each one so
// the view shows live capacity, not the last heartbeat.
func fetchEndpointsCmd(src dataSource, prober *probe.Prober, workspace string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout+protocol.ProbeTimeout)
		defer cancel()
		infos, err := src.ListEndpoints(ctx, workspace)
		if err != nil {
			return endpointsMsg{err: err}
		}
		return endpointsMsg{reports: prober.ProbeAll(ctx, infos)}
	}
}

// startFeedCmd runs the event stream in the background, pushing events onto
// ch. Follow reconnects on its own, so this command only returns when the
// program is going away.
func startFeedCmd(src dataSource, workspace string, ch chan<- protocol.Event) tea.Cmd {
	return func() tea.Msg {
		var scopes []string
		if workspace != "" {
			scopes = []string{protocol.WorkspaceScope(workspace)}
		}
		err := src.Follow(context.Background(), relay.StreamOpts{
			Scopes:  scopes,
			AfterID: relay.FromTail,
		}, func(ev protocol.Event) {
			ch <- ev
		})
		return feedClosedMsg{err: err}
	}
}

// waitForEventCmd hands the next streamed event to the update loop. The
// handler re-issues it, one event per message.
func waitForEventCmd(ch <-chan protocol.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return feedEventMsg(ev)
	}
}

// tokenStore caches viewer tokens from the latest endpoint snapshot so
// direct sends can authenticate without an extra relay round trip. It
// implements directconn.TokenSource.
type tokenStore struct {
	mu         sync.Mutex
	byEndpoint map[string]string
	fallback   string
}

func newTokenStore(fallback string) *tokenStore {
	return &tokenStore{byEndpoint: make(map[string]string), fallback: fallback}
}

func (t *tokenStore) update(reports []probe.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range reports {
		if r.Info.ViewerToken != "" {
			t.byEndpoint[r.Info.Endpoint] = r.Info.ViewerToken
		}
	}
}

func (t *tokenStore) ViewerToken(endpoint string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok, ok := t.byEndpoint[endpoint]; ok {
		return tok
	}
	return t.fallback
}
