package main

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/buildd-ai/buildd-sub001/pkg/instruct"
	"github.com/buildd-ai/buildd-sub001/pkg/prefs"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

func testModel(src *stubSource, workspace string) Model {
	return newModel(sessionConfig{Source: src, Workspace: workspace})
}

func applyMsg(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	next, ok := updated.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", updated)
	}
	return next, cmd
}

func key(k string) tea.KeyMsg {
	switch k {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
}

func TestModelStartsLoading(t *testing.T) {
	m := testModel(&stubSource{}, "")
	if !m.loading {
		t.Error("new model should start loading")
	}
	if !strings.Contains(m.View(), "connecting to relay") {
		t.Errorf("loading view missing spinner line, got: %s", m.View())
	}
}

func TestTasksMsgPopulatesBoard(t *testing.T) {
	m := testModel(&stubSource{}, "")

	m, _ = applyMsg(t, m, tasksMsg{tasks: []protocol.Task{
		{ID: "t-1", WorkspaceID: "ws-1", Title: "index the corpus", Status: protocol.TaskPending},
	}})

	if m.loading {
		t.Error("loading should clear after the first task fetch")
	}
	view := m.View()
	if !strings.Contains(view, "index the corpus") {
		t.Errorf("board missing task title, got:\n%s", view)
	}
	if !strings.Contains(view, "Pending (1)") {
		t.Errorf("board missing pending count, got:\n%s", view)
	}
}

func TestRelayDownShowsOffline(t *testing.T) {
	m := testModel(&stubSource{}, "")

	m, _ = applyMsg(t, m, tasksMsg{err: errors.New("connection refused")})
	if !m.relayDown {
		t.Error("fetch error should mark the relay down")
	}
	if !strings.Contains(m.renderStatusBar(DefaultTheme()), "relay: offline") {
		t.Error("status bar should show offline")
	}

	m, _ = applyMsg(t, m, tasksMsg{tasks: nil})
	if m.relayDown {
		t.Error("successful fetch should clear the offline flag")
	}
	if !strings.Contains(m.renderStatusBar(DefaultTheme()), "relay: online") {
		t.Error("status bar should show online again")
	}
}

func TestFeedEventUpdatesProjection(t *testing.T) {
	m := testModel(&stubSource{}, "")
	m.loading = false

	payload, err := json.Marshal(protocol.CreatedPayload{Task: protocol.Task{
		ID: "t-9", WorkspaceID: "ws-1", Title: "streamed in", Status: protocol.TaskPending,
	}})
	if err != nil {
		t.Fatal(err)
	}
	ev := protocol.Event{
		ID:          3,
		Type:        protocol.EventTaskCreated,
		WorkspaceID: "ws-1",
		TaskID:      "t-9",
		Payload:     string(payload),
		CreatedAt:   "2026-02-01 10:00:00",
	}

	m, cmd := applyMsg(t, m, feedEventMsg(ev))
	if _, ok := m.state.Tasks["t-9"]; !ok {
		t.Fatal("event should land in the projection")
	}
	if cmd == nil {
		t.Error("feed handler should re-arm the event wait")
	}
	if !strings.Contains(m.View(), "streamed in") {
		t.Error("streamed task should show on the board")
	}
}

func TestPollCannotRegressTerminalWorker(t *testing.T) {
	m := testModel(&stubSource{}, "")

	m, _ = applyMsg(t, m, workersMsg{workers: []protocol.Worker{
		{ID: "w-1", TaskID: "t-1", Status: protocol.WorkerFailed, UpdatedAt: "2026-02-01 10:00:05"},
	}})
	m, _ = applyMsg(t, m, workersMsg{workers: []protocol.Worker{
		{ID: "w-1", TaskID: "t-1", Status: protocol.WorkerRunning, UpdatedAt: "2026-02-01 10:00:01"},
	}})

	if got := m.state.Workers["w-1"].Status; got != protocol.WorkerFailed {
		t.Errorf("stale poll regressed terminal worker to %s", got)
	}
}

func TestVisibleTasksFiltersWorkspace(t *testing.T) {
	m := testModel(&stubSource{}, "ws-1")

	m, _ = applyMsg(t, m, tasksMsg{tasks: []protocol.Task{
		{ID: "t-1", WorkspaceID: "ws-1", Title: "mine", Status: protocol.TaskPending},
		{ID: "t-2", WorkspaceID: "ws-2", Title: "theirs", Status: protocol.TaskPending},
	}})

	visible := m.visibleTasks()
	if len(visible) != 1 || visible[0].ID != "t-1" {
		t.Errorf("visibleTasks = %+v, want only ws-1", visible)
	}
}

func TestTabTogglesView(t *testing.T) {
	store := prefs.NewMemory()
	m := newModel(sessionConfig{Source: &stubSource{}, Prefs: store})
	m.loading = false

	m, _ = applyMsg(t, m, key("tab"))
	if m.activeView != workersView {
		t.Error("tab should switch to the workers view")
	}
	if v, _ := store.Get(prefKeyView); v != "workers" {
		t.Errorf("view pref = %q, want workers", v)
	}

	m, _ = applyMsg(t, m, key("tab"))
	if m.activeView != boardView {
		t.Error("tab should switch back to the board")
	}
	if v, _ := store.Get(prefKeyView); v != "board" {
		t.Errorf("view pref = %q, want board", v)
	}
}

func TestViewPreferenceRestored(t *testing.T) {
	store := prefs.NewMemory()
	if err := store.Set(prefKeyView, "workers"); err != nil {
		t.Fatalf("seed pref: %v", err)
	}

	m := newModel(sessionConfig{Source: &stubSource{}, Prefs: store})
	if m.activeView != workersView {
		t.Error("saved view preference should restore the workers view")
	}

	m = newModel(sessionConfig{Source: &stubSource{}})
	if m.activeView != boardView {
		t.Error("without a saved preference the board is the default view")
	}
}

func TestQuitKeys(t *testing.T) {
	for _, k := range []string{"q", "ctrl+c"} {
		m := testModel(&stubSource{}, "")
		_, cmd := m.Update(key(k))
		if cmd == nil {
			t.Fatalf("%s should quit", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s returned %T, want tea.QuitMsg", k, cmd())
		}
	}
}

func TestBoardNavigation(t *testing.T) {
	m := testModel(&stubSource{}, "")
	m.loading = false
	m, _ = applyMsg(t, m, tasksMsg{tasks: []protocol.Task{
		{ID: "t-1", WorkspaceID: "ws-1", Title: "first", Status: protocol.TaskPending},
		{ID: "t-2", WorkspaceID: "ws-1", Title: "second", Status: protocol.TaskPending},
		{ID: "t-3", WorkspaceID: "ws-1", Title: "running", Status: protocol.TaskRunning, WorkerID: "w-1"},
	}})

	// Blocked is empty, so "l" lands on Active.
	m, _ = applyMsg(t, m, key("l"))
	if m.cursorCol != 2 {
		t.Errorf("cursorCol = %d, want 2", m.cursorCol)
	}
	m, _ = applyMsg(t, m, key("h"))
	if m.cursorCol != 0 {
		t.Errorf("cursorCol = %d, want 0", m.cursorCol)
	}
	m, _ = applyMsg(t, m, key("j"))
	if m.cursorRow != 1 {
		t.Errorf("cursorRow = %d, want 1", m.cursorRow)
	}
	m, _ = applyMsg(t, m, key("k"))
	if m.cursorRow != 0 {
		t.Errorf("cursorRow = %d, want 0", m.cursorRow)
	}

	m, _ = applyMsg(t, m, key("enter"))
	if !strings.Contains(m.notice, "t-1") {
		t.Errorf("enter should surface the full task ID, notice = %q", m.notice)
	}
}

func TestComposeOpenAndCancel(t *testing.T) {
	m := testModel(&stubSource{}, "")
	m.loading = false
	m.activeView = workersView
	m, _ = applyMsg(t, m, workersMsg{workers: []protocol.Worker{
		{ID: "worker-compose", TaskID: "t-1", Status: protocol.WorkerRunning, UpdatedAt: "2026-02-01 10:00:00"},
	}})

	m, cmd := applyMsg(t, m, key("i"))
	if !m.composing {
		t.Fatal("i should open the compose input")
	}
	if m.composeTarget != "worker-compose" {
		t.Errorf("composeTarget = %q", m.composeTarget)
	}
	if cmd == nil {
		t.Error("compose open should focus the input")
	}

	m, _ = applyMsg(t, m, key("esc"))
	if m.composing {
		t.Error("esc should close the compose input")
	}
}

func TestComposeRequiresSelection(t *testing.T) {
	m := testModel(&stubSource{}, "")
	m.loading = false
	m.activeView = workersView

	m, _ = applyMsg(t, m, key("i"))
	if m.composing {
		t.Error("compose should not open without a selected worker")
	}
	if m.notice != "no worker selected" {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestComposeRejectsEmptyMessage(t *testing.T) {
	m := testModel(&stubSource{}, "")
	m.loading = false
	m.activeView = workersView
	m, _ = applyMsg(t, m, workersMsg{workers: []protocol.Worker{
		{ID: "worker-compose", Status: protocol.WorkerRunning, UpdatedAt: "2026-02-01 10:00:00"},
	}})
	m, _ = applyMsg(t, m, key("i"))

	m, cmd := applyMsg(t, m, key("enter"))
	if !m.composing {
		t.Error("empty send should keep the input open")
	}
	if cmd != nil {
		t.Error("empty send should not dispatch")
	}
	if m.notice != "nothing to send" {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestComposeSendQueuesOnRelay(t *testing.T) {
	// The worker has no direct endpoint, so delivery falls through to the
	// relay queue.
	src := &stubSource{
		workers: []protocol.Worker{
			{ID: "worker-compose", Status: protocol.WorkerRunning, UpdatedAt: "2026-02-01 10:00:00"},
		},
		instructID: 7,
	}
	m := testModel(src, "")
	m.loading = false
	m.activeView = workersView
	m.deliverer = instruct.New(src, src, instruct.Config{})

	m, _ = applyMsg(t, m, workersMsg{workers: src.workers})
	m, _ = applyMsg(t, m, key("i"))
	m.compose.SetValue("focus on the parser")

	m, cmd := applyMsg(t, m, key("enter"))
	if m.composing {
		t.Error("send should close the compose input")
	}
	if cmd == nil {
		t.Fatal("send should dispatch a command")
	}

	sent, ok := cmd().(sentMsg)
	if !ok {
		t.Fatalf("expected sentMsg, got %T", cmd())
	}
	if sent.err != nil {
		t.Fatalf("send failed: %v", sent.err)
	}
	if sent.receipt.Via != instruct.ViaRelay {
		t.Errorf("via = %s, want relay", sent.receipt.Via)
	}
	if sent.receipt.InstructionID != 7 {
		t.Errorf("instruction id = %d, want 7", sent.receipt.InstructionID)
	}
	if len(src.instructed) != 1 || src.instructed[0] != "focus on the parser" {
		t.Errorf("relay queue got %v", src.instructed)
	}

	m, _ = applyMsg(t, m, sent)
	if !strings.Contains(m.notice, "queued on relay") {
		t.Errorf("notice = %q, want queued on relay", m.notice)
	}
}

func TestSentMsgDirectNotice(t *testing.T) {
	m := testModel(&stubSource{}, "")

	m, _ = applyMsg(t, m, sentMsg{
		workerID: "worker-9",
		receipt:  instruct.Receipt{Delivered: true, Via: instruct.ViaDirect},
	})
	if !strings.Contains(m.notice, "sent direct to worker") {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestStatusBarCounts(t *testing.T) {
	tests := []struct {
		name         string
		workspace    string
		tasks        []protocol.Task
		workers      []protocol.Worker
		wantContains []string
	}{
		{
			name:      "counts by bucket",
			workspace: "ws-1",
			tasks: []protocol.Task{
				{ID: "t-1", WorkspaceID: "ws-1", Status: protocol.TaskPending},
				{ID: "t-2", WorkspaceID: "ws-1", Status: protocol.TaskPending},
				{ID: "t-3", WorkspaceID: "ws-1", Status: protocol.TaskRunning},
				{ID: "t-4", WorkspaceID: "ws-1", Status: protocol.TaskCompleted},
			},
			workers: []protocol.Worker{
				{ID: "w-1", Status: protocol.WorkerRunning, UpdatedAt: "2026-02-01 10:00:00"},
			},
			wantContains: []string{"ws-1", "pending: 2", "active: 1", "workers: 1"},
		},
		{
			name:         "empty session watches everything",
			workspace:    "",
			wantContains: []string{"all workspaces", "pending: 0", "active: 0", "workers: 0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testModel(&stubSource{}, tt.workspace)
			m, _ = applyMsg(t, m, tasksMsg{tasks: tt.tasks})
			m, _ = applyMsg(t, m, workersMsg{workers: tt.workers})

			bar := m.renderStatusBar(DefaultTheme())
			for _, want := range tt.wantContains {
				if !strings.Contains(bar, want) {
					t.Errorf("status bar missing %q, got: %s", want, bar)
				}
			}
		})
	}
}

func TestFsChangeTriggersFetch(t *testing.T) {
	src := &stubSource{tasks: []protocol.Task{
		{ID: "t-1", WorkspaceID: "ws-1", Title: "fresh", Status: protocol.TaskPending},
	}}
	m := testModel(src, "")

	_, cmd := m.Update(fsChangeMsg{})
	if cmd == nil {
		t.Fatal("fsChangeMsg should trigger a fetch")
	}

	batch, ok := cmd().(tea.BatchMsg)
	if !ok {
		t.Fatalf("expected tea.BatchMsg, got %T", cmd())
	}
	var sawTasks bool
	for _, sub := range batch {
		if _, ok := sub().(tasksMsg); ok {
			sawTasks = true
		}
	}
	if !sawTasks {
		t.Error("fetch batch should include a task refresh")
	}
}

func TestTickRearms(t *testing.T) {
	m := testModel(&stubSource{}, "")

	if _, cmd := m.Update(tickMsg(time.Now())); cmd == nil {
		t.Error("tick should re-arm the poll loop")
	}
	if _, cmd := m.Update(countdownMsg(time.Now())); cmd == nil {
		t.Error("countdown should re-arm itself")
	}
}

func TestWorkersViewRendersTableAndEndpoints(t *testing.T) {
	m := testModel(&stubSource{}, "")
	m.loading = false
	m.activeView = workersView
	m, _ = applyMsg(t, m, workersMsg{workers: []protocol.Worker{
		{
			ID:       "worker-view",
			TaskID:   "t-1",
			Endpoint: "http://10.0.0.5:7777",
			Status:   protocol.WorkerWaitingInput,
			WaitingFor: &protocol.WaitingFor{
				Type:   "input",
				Prompt: "pick a region",
			},
			UpdatedAt: "2026-02-01 10:00:00",
		},
	}})

	view := m.View()
	for _, want := range []string{"worker-view", "waiting_input", "input: pick a region", "no endpoints known"} {
		if !strings.Contains(view, want) {
			t.Errorf("workers view missing %q, got:\n%s", want, view)
		}
	}
}
