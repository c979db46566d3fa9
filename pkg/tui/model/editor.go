package model

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imakube/kubeload/pkg/core"
	"github.com/imakube/kubeload/pkg/transport/uds"
)

const (
	fieldFibN = iota
	fieldInterval
	fieldBatch
)

// EditorField is a named text input in the editor form.
type EditorField struct {
	Label string
	Input textinput.Model
}

// EditorModel is the load settings form.
type EditorModel struct {
	fields    []EditorField
	activeIdx int
}

// NewSettingsEditor creates a form pre-filled with the current settings.
func NewSettingsEditor(s core.Settings, batchCount int) *EditorModel {
	fields := []EditorField{
		newField("fibonacci n", strconv.Itoa(s.FibN)),
		newField("interval (ms)", strconv.FormatInt(s.IntervalMs, 10)),
		newField("batch count", strconv.Itoa(batchCount)),
	}
	fields[0].Input.Focus()
	return &EditorModel{fields: fields}
}

func newField(label, value string) EditorField {
	ti := textinput.New()
	ti.Placeholder = label
	ti.SetValue(value)
	ti.CharLimit = 12
	return EditorField{Label: label, Input: ti}
}

// Value returns the raw text of field i.
func (e *EditorModel) Value(i int) string {
	return e.fields[i].Input.Value()
}

// SetValue replaces the text of field i.
func (e *EditorModel) SetValue(i int, v string) {
	e.fields[i].Input.SetValue(v)
}

// Request parses the form. Non-numeric n and interval fall back to the minimum
// and small values are clamped. An unusable batch count falls back to
// core.DefaultBatchCount.
func (e *EditorModel) Request() (uds.SettingsRequest, int) {
	req := uds.SettingsRequest{
		FibN:       core.ParseFibN(e.Value(fieldFibN)),
		IntervalMs: core.ParseIntervalMs(e.Value(fieldInterval)),
	}
	batch, err := strconv.Atoi(strings.TrimSpace(e.Value(fieldBatch)))
	if err != nil || batch < 1 {
		batch = core.DefaultBatchCount
	}
	return req, batch
}

func (e *EditorModel) focus(idx int) tea.Cmd {
	e.fields[e.activeIdx].Input.Blur()
	e.activeIdx = (idx + len(e.fields)) % len(e.fields)
	e.fields[e.activeIdx].Input.Focus()
	return textinput.Blink
}

// HandleKey processes key events in editor mode.
func (e *EditorModel) HandleKey(a App, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.cancel):
		a.mode = ModeNormal
		a.editor = nil
		a.statusMsg = "settings unchanged"
		return a, nil

	case key.Matches(msg, a.keys.save):
		req, batch := e.Request()
		a.mode = ModeNormal
		a.editor = nil
		a.batchCount = batch
		a.state.Settings = req.Apply(a.state.Settings)
		if a.client == nil {
			a.statusMsg = "not connected to kubeloadd"
			return a, nil
		}
		a.statusMsg = "saving settings..."
		return a, updateSettingsCmd(a.client, req)

	case key.Matches(msg, a.keys.next):
		return a, e.focus(e.activeIdx + 1)

	case key.Matches(msg, a.keys.prev):
		return a, e.focus(e.activeIdx - 1)

	default:
		var cmd tea.Cmd
		e.fields[e.activeIdx].Input, cmd = e.fields[e.activeIdx].Input.Update(msg)
		return a, cmd
	}
}

// View renders the editor form.
func (e *EditorModel) View(width int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(" Load settings ") + "\n\n")
	for i, f := range e.fields {
		prefix := "  "
		if i == e.activeIdx {
			prefix = "▸ "
		}
		b.WriteString(prefix + dimStyle.Render(f.Label+": ") + f.Input.View() + "\n")
	}
	b.WriteString("\n" + dimStyle.Render(truncate("  minimum n is 1, minimum interval is 100ms; an empty batch count sends 100", width)))
	return b.String()
}
