package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/buildd-ai/buildd-sub001/pkg/instruct"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// newCompose builds the instruction input shown over the workers view.
func newCompose(theme Theme) textinput.Model {
	ti := textinput.New()
	ti.Placeholder = "instruction for the selected worker"
	ti.CharLimit = 240
	ti.Width = 56
	ti.PromptStyle = lipgloss.NewStyle().Foreground(theme.Primary)
	return ti
}

// sentMsg reports how a composed instruction went out.
type sentMsg struct {
	workerID string
	receipt  instruct.Receipt
	err      error
}

// sendCmd delivers one instruction off the UI goroutine. The deliverer
// tries the worker's direct endpoint first and falls back to queueing on
// the relay, so the receipt tells the operator which path the message took.
func sendCmd(deliverer *instruct.Deliverer, workerID, message string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), protocol.ProbeTimeout+protocol.DirectSendTimeout)
		defer cancel()
		receipt, err := deliverer.Deliver(ctx, workerID, protocol.InstructRequest{Message: message})
		return sentMsg{workerID: workerID, receipt: receipt, err: err}
	}
}

// sentNotice renders the footer notice for a completed send.
func sentNotice(theme Theme, msg sentMsg) string {
	if msg.err != nil {
		return lipgloss.NewStyle().Foreground(theme.Error).Render("send failed: " + msg.err.Error())
	}
	if msg.receipt.Via == instruct.ViaDirect {
		return lipgloss.NewStyle().Foreground(theme.Success).Render("sent direct to " + shortID(msg.workerID))
	}
	return lipgloss.NewStyle().Foreground(theme.Warning).Render(
		fmt.Sprintf("queued on relay for %s (instruction %d)", shortID(msg.workerID), msg.receipt.InstructionID))
}
