package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/buildd-ai/buildd-sub001/pkg/projection"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Board column titles, left to right.
const (
	colPending = "Pending"
	colBlocked = "Blocked"
	colActive  = "Active"
	colDone    = "Done"
)

// doneColumnCap keeps the Done column from swallowing the screen on
// long-lived workspaces.
const doneColumnCap = 10

const cardWidth = 30

var columnTitles = []string{colPending, colBlocked, colActive, colDone}

// BoardModel groups the projected tasks into status columns.
type BoardModel struct {
	columns []boardColumn
}

type boardColumn struct {
	title      string
	tasks      []projection.TaskView
	totalCount int
}

// columnForStatus maps a task status onto its board column.
func columnForStatus(status protocol.TaskStatus) string {
	switch {
	case status == protocol.TaskBlocked:
		return colBlocked
	case protocol.IsActive(status):
		return colActive
	case protocol.IsTerminal(status):
		return colDone
	default:
		return colPending
	}
}

// newBoard buckets tasks into columns. Pending sorts by priority, highest
// first, so the next task a worker would claim sits on top. The other
// columns sort by most recent update. Done keeps only the newest few.
func newBoard(tasks []projection.TaskView) BoardModel {
	buckets := make(map[string][]projection.TaskView, len(columnTitles))
	for _, task := range tasks {
		col := columnForStatus(task.Status)
		buckets[col] = append(buckets[col], task)
	}

	columns := make([]boardColumn, 0, len(columnTitles))
	for _, title := range columnTitles {
		list := buckets[title]
		sortColumn(title, list)
		total := len(list)
		if title == colDone && len(list) > doneColumnCap {
			list = list[:doneColumnCap]
		}
		columns = append(columns, boardColumn{title: title, tasks: list, totalCount: total})
	}
	return BoardModel{columns: columns}
}

func sortColumn(title string, list []projection.TaskView) {
	if title == colPending {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority > list[j].Priority
			}
			return list[i].ID < list[j].ID
		})
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt != list[j].UpdatedAt {
			return list[i].UpdatedAt > list[j].UpdatedAt
		}
		return list[i].ID < list[j].ID
	})
}

// taskAt returns the task under the cursor, if any.
func (bm BoardModel) taskAt(col, row int) (projection.TaskView, bool) {
	if col < 0 || col >= len(bm.columns) {
		return projection.TaskView{}, false
	}
	tasks := bm.columns[col].tasks
	if row < 0 || row >= len(tasks) {
		return projection.TaskView{}, false
	}
	return tasks[row], true
}

// clamp pulls a stale cursor back inside the board after a refresh.
func (bm BoardModel) clamp(col, row int) (int, int) {
	if col < 0 {
		col = 0
	}
	if col >= len(bm.columns) {
		col = len(bm.columns) - 1
	}
	max := len(bm.columns[col].tasks) - 1
	if row > max {
		row = max
	}
	if row < 0 {
		row = 0
	}
	return col, row
}

// moveRight advances the cursor to the next non-empty column, staying put
// when everything to the right is empty.
func (bm BoardModel) moveRight(col, row int) (int, int) {
	for next := col + 1; next < len(bm.columns); next++ {
		if len(bm.columns[next].tasks) > 0 {
			return next, 0
		}
	}
	return col, row
}

// moveLeft mirrors moveRight.
func (bm BoardModel) moveLeft(col, row int) (int, int) {
	for next := col - 1; next >= 0; next-- {
		if len(bm.columns[next].tasks) > 0 {
			return next, 0
		}
	}
	return col, row
}

func (bm BoardModel) moveDown(col, row int) (int, int) {
	if col < 0 || col >= len(bm.columns) {
		return col, row
	}
	if row < len(bm.columns[col].tasks)-1 {
		return col, row + 1
	}
	return col, row
}

func (bm BoardModel) moveUp(col, row int) (int, int) {
	if row > 0 {
		return col, row - 1
	}
	return col, row
}

// Render draws the full board. The cursor highlights the card at
// (cursorCol, cursorRow); pass -1, -1 to render without a cursor.
func (bm BoardModel) Render(theme Theme, cursorCol, cursorRow int, now time.Time) string {
	rendered := make([]string, 0, len(bm.columns))
	for i, col := range bm.columns {
		rendered = append(rendered, renderColumn(theme, col, i == cursorCol, cursorRow, now))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func renderColumn(theme Theme, col boardColumn, active bool, cursorRow int, now time.Time) string {
	title := col.title
	if col.totalCount > len(col.tasks) {
		title = fmt.Sprintf("%s (%d/%d)", col.title, len(col.tasks), col.totalCount)
	} else {
		title = fmt.Sprintf("%s (%d)", col.title, col.totalCount)
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(columnColor(theme, col.title)).
		Width(cardWidth).
		Align(lipgloss.Center).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(theme.Muted)

	parts := []string{headerStyle.Render(title)}
	if len(col.tasks) == 0 {
		empty := lipgloss.NewStyle().
			Foreground(theme.Muted).
			Width(cardWidth).
			Align(lipgloss.Center).
			Padding(1, 0)
		parts = append(parts, empty.Render("empty"))
	}
	for i, task := range col.tasks {
		parts = append(parts, renderCard(theme, task, active && i == cursorRow, now))
	}

	column := lipgloss.JoinVertical(lipgloss.Left, parts...)
	return lipgloss.NewStyle().Padding(0, 1).Render(column)
}

func columnColor(theme Theme, title string) lipgloss.Color {
	switch title {
	case colPending:
		return theme.Warning
	case colBlocked:
		return theme.Error
	case colActive:
		return theme.Secondary
	case colDone:
		return theme.Success
	default:
		return theme.Primary
	}
}

func renderCard(theme Theme, task projection.TaskView, selected bool, now time.Time) string {
	muted := lipgloss.NewStyle().Foreground(theme.Muted)

	meta := muted.Render(shortID(task.ID)) + " " +
		lipgloss.NewStyle().Foreground(statusColor(theme, task.Status)).Render(string(task.Status))
	lines := []string{task.Title, meta}
	if chip := offerChip(task, now); chip != "" {
		lines = append(lines, lipgloss.NewStyle().Foreground(theme.Warning).Render(chip))
	}
	if task.WorkerID != "" {
		lines = append(lines, muted.Render("worker "+shortID(task.WorkerID)))
	}

	style := lipgloss.NewStyle().Width(cardWidth).Padding(0, 1)
	if selected {
		style = style.Background(theme.Primary).Foreground(lipgloss.Color("15")).Bold(true)
	}
	return style.Render(strings.Join(lines, "\n")) + "\n"
}

// offerChip renders the acceptance countdown for a pending task with an
// open targeted offer. Remaining time is recomputed on every render so the
// tick loop keeps it fresh.
func offerChip(task projection.TaskView, now time.Time) string {
	if task.Status != protocol.TaskPending || task.TargetEndpoint == "" || task.OfferExpiresAt == 0 {
		return ""
	}
	remaining := time.UnixMilli(task.OfferExpiresAt).Sub(now)
	if remaining <= 0 {
		return "offer lapsed"
	}
	secs := (remaining + time.Second - 1) / time.Second
	return fmt.Sprintf("offer %s %ds", shortEndpoint(task.TargetEndpoint), int64(secs))
}

// shortID trims a UUID down to its first group for display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && i <= 8 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// shortEndpoint strips the scheme from an endpoint URL.
func shortEndpoint(endpoint string) string {
	s := strings.TrimPrefix(endpoint, "https://")
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimSuffix(s, "/")
}
