package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/imakube/kubeload/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("27"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	resultStyle = paneStyle.
			BorderForeground(lipgloss.Color("27"))

	enabledKey  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	disabledKey = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Strikethrough(true)

	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	unknownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	requestStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	responseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const aboutText = `Drives CPU-bound Fibonacci requests against the backend so the Horizontal Pod Autoscaler adds replicas.
  - start/stop sends one request per interval, batch sends one large request
  - crash makes the backend exit so Kubernetes restarts the pod`

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	if a.mode == ModeEditor && a.editor != nil {
		form := a.editor.View(a.width - 4)
		bar := helpStyle.Render(a.help.View(editorKeys(a.keys)))
		return lipgloss.JoinVertical(lipgloss.Left, paneStyle.Width(a.width-4).Render(form), bar)
	}

	header := titleStyle.Width(a.width).Render(" Kubernetes HPA Demo ")
	about := dimStyle.Width(a.width).Render(aboutText)
	top := lipgloss.JoinVertical(lipgloss.Left,
		header,
		about,
		"",
		a.renderSettings(),
		a.renderBackend(),
		a.renderActions(),
		resultStyle.Width(a.width-4).Render(a.renderResult()),
	)

	statusBar := a.renderStatusBar()
	logH := a.height - lipgloss.Height(top) - lipgloss.Height(statusBar) - 3
	logH = max(logH, 3)
	logPane := paneStyle.Width(a.width - 4).Height(logH).Render(a.renderLog(a.width-6, logH))

	return lipgloss.JoinVertical(lipgloss.Left, top, logPane, statusBar)
}

func (a App) renderSettings() string {
	s := a.state.Settings
	return fmt.Sprintf(" %s n=%d  interval=%dms  batch=%d",
		dimStyle.Render("Settings"), s.FibN, s.IntervalMs, a.batchCount)
}

func (a App) renderBackend() string {
	var indicator string
	switch a.state.Backend {
	case core.BackendOnline:
		indicator = onlineStyle.Render("● online")
	case core.BackendOffline:
		indicator = offlineStyle.Render("✖ offline")
	default:
		indicator = unknownStyle.Render("? unknown")
	}
	if !a.connected {
		indicator = dimStyle.Render("○ daemon not connected")
	}

	line := fmt.Sprintf(" %s %s   %s %d (ok %d, failed %d)",
		dimStyle.Render("Backend"), indicator,
		dimStyle.Render("Requests"), a.state.Requests, a.state.Responses, a.state.Errors)
	if a.state.RunID != "" {
		line += "   " + dimStyle.Render("run "+shortID(a.state.RunID))
	}
	return line
}

func (a App) renderActions() string {
	s := a.state
	connected := a.client != nil
	buttons := []string{
		button("s", "Start load", connected && s.CanStart()),
		button("x", "Stop", connected && s.CanStop()),
		button("b", fmt.Sprintf("Batch %d", a.batchCount), connected && s.CanBatch()),
		button("c", "Crash backend", connected && s.CanCrash()),
		button("e", "Settings", true),
	}
	return " " + strings.Join(buttons, " ")
}

func button(k, label string, enabled bool) string {
	text := " [" + k + "] " + label + " "
	if enabled {
		return enabledKey.Render(text)
	}
	return disabledKey.Render(text)
}

func (a App) renderResult() string {
	result := a.state.Result
	if a.state.Loading {
		if result == "" {
			result = "Working..."
		}
		return a.spinner.View() + " " + result
	}
	if result == "" {
		return dimStyle.Render("No action yet.")
	}
	return result
}

func (a App) renderLog(w, h int) string {
	entries := a.state.Log
	if len(entries) == 0 {
		return dimStyle.Render("no log entries")
	}

	start := 0
	if len(entries) > h {
		start = len(entries) - h
	}

	var b strings.Builder
	for _, e := range entries[start:] {
		ts := time.UnixMilli(e.TsUnixMs).Format("15:04:05.000")
		line := fmt.Sprintf("%s %s %s", dimStyle.Render(ts), kindTag(e.Kind), truncate(e.Message, w-24))
		b.WriteString(line + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func kindTag(kind core.EntryKind) string {
	switch kind {
	case core.EntryRequest:
		return requestStyle.Render("REQ ")
	case core.EntryResponse:
		return responseStyle.Render("RESP")
	case core.EntryError:
		return errorStyle.Render("ERR ")
	default:
		return infoStyle.Render("INFO")
	}
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := a.help.View(a.keys)
	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return helpStyle.Render(left) + "\n" + helpStyle.Render(right)
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
