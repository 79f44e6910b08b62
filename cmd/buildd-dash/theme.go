package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Theme defines the visual styling for the buildd dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for buildd-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// statusColor maps a task status onto the theme's accent colors.
func statusColor(theme Theme, status protocol.TaskStatus) lipgloss.Color {
	switch {
	case status == protocol.TaskPending:
		return theme.Warning
	case status == protocol.TaskBlocked:
		return theme.Error
	case status == protocol.TaskCompleted:
		return theme.Success
	case status == protocol.TaskFailed:
		return theme.Error
	case protocol.IsActive(status):
		return theme.Secondary
	default:
		return theme.Primary
	}
}
