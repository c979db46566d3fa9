package model

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	start  key.Binding
	stop   key.Binding
	crash  key.Binding
	batch  key.Binding
	edit   key.Binding
	help   key.Binding
	quit   key.Binding
	next   key.Binding
	prev   key.Binding
	save   key.Binding
	cancel key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		start: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "start load"),
		),
		stop: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "stop load"),
		),
		crash: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "crash backend"),
		),
		batch: key.NewBinding(
			key.WithKeys("b"),
			key.WithHelp("b", "batch"),
		),
		edit: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "settings"),
		),
		help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		next: key.NewBinding(
			key.WithKeys("tab", "down"),
			key.WithHelp("tab", "next field"),
		),
		prev: key.NewBinding(
			key.WithKeys("shift+tab", "up"),
			key.WithHelp("shift+tab", "prev field"),
		),
		save: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "save"),
		),
		cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.start, k.stop, k.crash, k.batch, k.edit, k.help, k.quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.start, k.stop, k.batch},
		{k.crash, k.edit},
		{k.help, k.quit},
	}
}

// editorKeys is the help shown while the settings form is open.
type editorKeys keyMap

func (k editorKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.next, k.prev, k.save, k.cancel}
}

func (k editorKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
