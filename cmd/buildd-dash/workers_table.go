package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/projection"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

func workerColumns() []table.Column {
	return []table.Column{
		{Title: "WORKER", Width: 16},
		{Title: "STATUS", Width: 22},
		{Title: "TASK", Width: 10},
		{Title: "ENDPOINT", Width: 24},
		{Title: "WAITING", Width: 28},
	}
}

// newWorkersTable builds the table used on the workers view. Rows come
// from workerRows; the first cell keeps the full worker ID so the compose
// flow can address the selection.
func newWorkersTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(workerColumns()),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		Foreground(theme.Primary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(theme.Muted)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("15")).
		Background(theme.Primary).
		Bold(true)
	t.SetStyles(styles)
	return t
}

// workerRows projects the worker views into table rows, newest update
// first so fresh activity stays visible.
func workerRows(state projection.State) []table.Row {
	views := make([]projection.WorkerView, 0, len(state.Workers))
	for _, w := range state.Workers {
		views = append(views, w)
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].UpdatedAt != views[j].UpdatedAt {
			return views[i].UpdatedAt > views[j].UpdatedAt
		}
		return views[i].ID < views[j].ID
	})

	rows := make([]table.Row, 0, len(views))
	for _, w := range views {
		rows = append(rows, table.Row{
			w.ID,
			string(w.Status),
			shortID(w.TaskID),
			shortEndpoint(w.Endpoint),
			waitingLabel(w.WaitingFor),
		})
	}
	return rows
}

// waitingLabel renders what a parked worker is waiting on.
func waitingLabel(wf *protocol.WaitingFor) string {
	if wf == nil {
		return ""
	}
	if wf.Prompt == "" {
		return wf.Type
	}
	return wf.Type + ": " + wf.Prompt
}

// renderEndpoints shows the registry snapshot merged with live probe
// results underneath the runs table.
func renderEndpoints(theme Theme, reports []probe.Report) string {
	if len(reports) == 0 {
		return lipgloss.NewStyle().Foreground(theme.Muted).Render("no endpoints known")
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(theme.Primary)
	online := lipgloss.NewStyle().Foreground(theme.Success)
	unreachable := lipgloss.NewStyle().Foreground(theme.Error)

	var b strings.Builder
	b.WriteString(header.Render(fmt.Sprintf("%-26s  %-14s  %-11s  %7s  %4s",
		"ENDPOINT", "ACCOUNT", "STATE", "ACTIVE", "FREE")))
	b.WriteString("\n")
	for _, r := range reports {
		state := online.Render(fmt.Sprintf("%-11s", "online"))
		if !r.Online {
			state = unreachable.Render(fmt.Sprintf("%-11s", "unreachable"))
		}
		b.WriteString(fmt.Sprintf("%-26s  %-14s  %s  %4d/%-2d  %4d\n",
			shortEndpoint(r.Info.Endpoint),
			accountLabel(r.Info),
			state,
			r.Info.ActiveWorkers,
			r.Info.MaxConcurrent,
			r.Info.Capacity()))
	}
	return strings.TrimRight(b.String(), "\n")
}

func accountLabel(info protocol.WorkerEndpointInfo) string {
	if info.AccountName != "" {
		return info.AccountName
	}
	return info.AccountID
}
