package main

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/buildd-ai/buildd-sub001/pkg/instruct"
	"github.com/buildd-ai/buildd-sub001/pkg/prefs"
	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/projection"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// pollInterval is the fallback refresh cadence. The event feed usually
// updates the projection first; the poll catches anything the stream
// missed and keeps offline relays honest in the status bar.
const pollInterval = 2 * time.Second

// Preference keys persisted across dashboard sessions.
const (
	prefKeyView      = "view"
	prefKeyWorkspace = "workspace"
)

type sessionView int

const (
	boardView sessionView = iota
	workersView
)

type tickMsg time.Time

// countdownMsg only forces a re-render so offer countdowns stay fresh
// between polls.
type countdownMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func countdownCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return countdownMsg(t)
	})
}

// sessionConfig wires a Model to its relay session.
type sessionConfig struct {
	Source    dataSource
	Prober    *probe.Prober
	Deliverer *instruct.Deliverer
	Tokens    *tokenStore
	Workspace string
	StateDir  string
	Prefs     prefs.Store
}

// Model is the root bubbletea model for buildd-dash. It keeps a projection
// of the relay's state, fed by the event stream and reconciled by polling.
type Model struct {
	src       dataSource
	prober    *probe.Prober
	deliverer *instruct.Deliverer
	tokens    *tokenStore
	workspace string
	stateDir  string
	prefs     prefs.Store

	state     projection.State
	reports   []probe.Report
	relayDown bool
	loading   bool

	events chan protocol.Event

	activeView sessionView
	cursorCol  int
	cursorRow  int

	workers       table.Model
	composing     bool
	composeTarget string
	compose       textinput.Model
	notice        string

	spin   spinner.Model
	width  int
	height int
}

func newModel(cfg sessionConfig) Model {
	if cfg.Prober == nil {
		cfg.Prober = probe.New(probe.Config{})
	}
	if cfg.Prefs == nil {
		cfg.Prefs = prefs.NewMemory()
	}
	theme := DefaultTheme()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.Primary)

	view := boardView
	if v, ok := cfg.Prefs.Get(prefKeyView); ok && v == "workers" {
		view = workersView
	}

	return Model{
		src:        cfg.Source,
		prober:     cfg.Prober,
		deliverer:  cfg.Deliverer,
		tokens:     cfg.Tokens,
		workspace:  cfg.Workspace,
		stateDir:   cfg.StateDir,
		prefs:      cfg.Prefs,
		state:      projection.NewState(),
		loading:    true,
		events:     make(chan protocol.Event, 64),
		activeView: view,
		workers:    newWorkersTable(theme),
		compose:    newCompose(theme),
		spin:       s,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spin.Tick,
		m.fetchAll(),
		startFeedCmd(m.src, m.workspace, m.events),
		waitForEventCmd(m.events),
		tickCmd(),
		countdownCmd(),
	}
	if watch := watchStateDir(m.stateDir); watch != nil {
		cmds = append(cmds, watch)
	}
	return tea.Batch(cmds...)
}

func (m Model) fetchAll() tea.Cmd {
	return tea.Batch(
		fetchTasksCmd(m.src, m.workspace),
		fetchWorkersCmd(m.src, m.workspace),
		fetchEndpointsCmd(m.src, m.prober, m.workspace),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tasksMsg:
		if msg.err != nil {
			m.relayDown = true
			return m, nil
		}
		m.relayDown = false
		m.loading = false
		for _, task := range msg.tasks {
			m.state, _ = projection.ApplyTaskSnapshot(m.state, task)
		}
		return m.refreshed(), nil

	case workersMsg:
		if msg.err != nil {
			m.relayDown = true
			return m, nil
		}
		m.relayDown = false
		for _, worker := range msg.workers {
			m.state, _ = projection.ApplyWorkerSnapshot(m.state, worker)
		}
		return m.refreshed(), nil

	case endpointsMsg:
		if msg.err != nil {
			return m, nil
		}
		m.reports = msg.reports
		if m.tokens != nil {
			m.tokens.update(msg.reports)
		}
		return m, nil

	case feedEventMsg:
		m.state, _ = projection.Apply(m.state, protocol.Event(msg))
		return m.refreshed(), waitForEventCmd(m.events)

	case feedClosedMsg:
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchAll(), tickCmd())

	case countdownMsg:
		return m, countdownCmd()

	case fsChangeMsg:
		cmds := []tea.Cmd{m.fetchAll()}
		if watch := watchStateDir(m.stateDir); watch != nil {
			cmds = append(cmds, watch)
		}
		return m, tea.Batch(cmds...)

	case sentMsg:
		m.notice = sentNotice(DefaultTheme(), msg)
		return m, nil
	}

	return m, nil
}

// refreshed re-derives the view widgets after the projection changed.
func (m Model) refreshed() Model {
	m.workers.SetRows(workerRows(m.state))
	board := newBoard(m.visibleTasks())
	m.cursorCol, m.cursorRow = board.clamp(m.cursorCol, m.cursorRow)
	return m
}

// visibleTasks filters the projection down to the observed workspace.
// An empty workspace means the session watches everything.
func (m Model) visibleTasks() []projection.TaskView {
	tasks := make([]projection.TaskView, 0, len(m.state.Tasks))
	for _, t := range m.state.Tasks {
		if m.workspace != "" && t.WorkspaceID != m.workspace {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.composing {
		return m.handleComposeKey(msg)
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "tab":
		if m.activeView == boardView {
			m.activeView = workersView
		} else {
			m.activeView = boardView
		}
		m.notice = ""
		m.saveViewPref()
		return m, nil
	case "b":
		m.activeView = boardView
		m.saveViewPref()
		return m, nil
	case "w":
		m.activeView = workersView
		m.saveViewPref()
		return m, nil
	case "r":
		return m, m.fetchAll()
	}

	if m.activeView == workersView {
		return m.handleWorkersKey(msg)
	}
	return m.handleBoardKey(msg.String()), nil
}

// saveViewPref remembers the active view for the next session. Best-effort;
// a failed write never disturbs the running one.
func (m Model) saveViewPref() {
	v := "board"
	if m.activeView == workersView {
		v = "workers"
	}
	_ = m.prefs.Set(prefKeyView, v)
}

func (m Model) handleBoardKey(key string) Model {
	board := newBoard(m.visibleTasks())
	switch key {
	case "h", "left":
		m.cursorCol, m.cursorRow = board.moveLeft(m.cursorCol, m.cursorRow)
	case "l", "right":
		m.cursorCol, m.cursorRow = board.moveRight(m.cursorCol, m.cursorRow)
	case "j", "down":
		m.cursorCol, m.cursorRow = board.moveDown(m.cursorCol, m.cursorRow)
	case "k", "up":
		m.cursorCol, m.cursorRow = board.moveUp(m.cursorCol, m.cursorRow)
	case "enter":
		if task, ok := board.taskAt(m.cursorCol, m.cursorRow); ok {
			m.notice = "task " + task.ID
		}
	}
	return m
}

func (m Model) handleWorkersKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "i" {
		row := m.workers.SelectedRow()
		if len(row) == 0 || row[0] == "" {
			m.notice = "no worker selected"
			return m, nil
		}
		m.composing = true
		m.composeTarget = row[0]
		m.compose.SetValue("")
		m.notice = ""
		return m, m.compose.Focus()
	}

	var cmd tea.Cmd
	m.workers, cmd = m.workers.Update(msg)
	return m, cmd
}

func (m Model) handleComposeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.composing = false
		m.compose.Blur()
		return m, nil
	case "enter":
		message := strings.TrimSpace(m.compose.Value())
		if message == "" {
			m.notice = "nothing to send"
			return m, nil
		}
		m.composing = false
		m.compose.Blur()
		m.notice = "sending to " + shortID(m.composeTarget) + "..."
		return m, sendCmd(m.deliverer, m.composeTarget, message)
	}

	var cmd tea.Cmd
	m.compose, cmd = m.compose.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	theme := DefaultTheme()
	if m.loading {
		return lipgloss.NewStyle().Padding(1, 2).Render(m.spin.View() + " connecting to relay...")
	}

	var body string
	switch m.activeView {
	case workersView:
		body = m.renderWorkersView(theme)
	default:
		board := newBoard(m.visibleTasks())
		body = board.Render(theme, m.cursorCol, m.cursorRow, time.Now())
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatusBar(theme),
		"",
		body,
		"",
		m.renderFooter(theme),
	)
}

func (m Model) renderWorkersView(theme Theme) string {
	sections := []string{m.workers.View(), "", renderEndpoints(theme, m.reports)}
	if m.composing {
		box := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.Primary).
			Padding(0, 1).
			Render("instruct " + shortID(m.composeTarget) + "\n" + m.compose.View())
		sections = append(sections, "", box)
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatusBar(theme Theme) string {
	relayStatus := lipgloss.NewStyle().Foreground(theme.Success).Render("relay: online")
	if m.relayDown {
		relayStatus = lipgloss.NewStyle().Foreground(theme.Error).Render("relay: offline")
	}

	scope := m.workspace
	if scope == "" {
		scope = "all workspaces"
	}

	pending, active := m.taskCounts()
	plain := lipgloss.NewStyle()

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		relayStatus,
		plain.Render(" | "+scope),
		plain.Render(" | pending: "),
		lipgloss.NewStyle().Foreground(theme.Warning).Render(strconv.Itoa(pending)),
		plain.Render(" | active: "),
		lipgloss.NewStyle().Foreground(theme.Success).Render(strconv.Itoa(active)),
		plain.Render(" | workers: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(strconv.Itoa(len(m.state.Workers))),
	)
}

func (m Model) taskCounts() (pending, active int) {
	for _, t := range m.visibleTasks() {
		switch {
		case t.Status == protocol.TaskPending:
			pending++
		case protocol.IsActive(t.Status):
			active++
		}
	}
	return pending, active
}

func (m Model) renderFooter(theme Theme) string {
	help := "tab view | h/l/j/k move | enter inspect | r refresh | q quit"
	switch {
	case m.composing:
		help = "enter send | esc cancel"
	case m.activeView == workersView:
		help = "tab view | j/k select | i instruct | r refresh | q quit"
	}

	line := lipgloss.NewStyle().Foreground(theme.Muted).Render(help)
	if m.notice != "" {
		return lipgloss.JoinVertical(lipgloss.Left, m.notice, line)
	}
	return line
}
