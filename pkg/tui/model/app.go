package model

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imakube/kubeload/pkg/core"
	"github.com/imakube/kubeload/pkg/transport/uds"
)

const (
	refreshInterval   = 250 * time.Millisecond
	reconnectInterval = time.Second
	stateTimeout    = 2 * time.Second
	// Crash and batch wait on the backend; the daemon applies its own timeout.
	actionTimeout = 30 * time.Second
)

// Client is the daemon connection the dashboard drives. *uds.Client satisfies it.
type Client interface {
	Call(ctx context.Context, method string, in, out any) error
}

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeEditor
)

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     Client
	socketPath string
	connected  bool

	// State mirrored from kubeloadd
	state      core.State
	batchCount int

	// UI
	mode    Mode
	keys    keyMap
	help    help.Model
	spinner spinner.Model
	width   int
	height  int

	editor *EditorModel

	statusMsg string
}

// New creates a new TUI app model that connects to the daemon at socketPath.
func New(socketPath string) App {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = spinnerStyle

	return App{
		socketPath: socketPath,
		batchCount: core.DefaultBatchCount,
		state:      core.State{Backend: core.BackendUnknown, Settings: core.DefaultSettings()},
		mode:       ModeNormal,
		keys:       newKeyMap(),
		help:       help.New(),
		spinner:    sp,
	}
}

// State returns the last state received from the daemon, including local
// updates made when a key was pressed.
func (a App) State() core.State {
	return a.state
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		a.spinner.Tick,
		tea.SetWindowTitle("kubeload"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct{ client Client }

// connectFailedMsg reports a failed dial; the app retries on the next tick.
type connectFailedMsg struct{ err error }

// stateMsg carries a fresh snapshot from the daemon.
type stateMsg struct{ state core.State }

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// actionResultMsg carries the daemon's answer to an action.
type actionResultMsg struct{ resp uds.ActionResponse }

// settingsSavedMsg carries the state after a settings update.
type settingsSavedMsg struct{ state core.State }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return connectFailedMsg{err}
		}
		return connectedMsg{client}
	}
}

func tickCmd() tea.Cmd {
	return tickAfter(refreshInterval)
}

func tickAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStateCmd(client Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
		defer cancel()

		var s core.State
		if err := client.Call(ctx, uds.MethodGetState, nil, &s); err != nil {
			return errorMsg{err}
		}
		return stateMsg{s}
	}
}

func actionCmd(client Client, method string, in any) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		var resp uds.ActionResponse
		if err := client.Call(ctx, method, in, &resp); err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{resp}
	}
}

func updateSettingsCmd(client Client, req uds.SettingsRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
		defer cancel()

		var s core.State
		if err := client.Call(ctx, uds.MethodUpdateSettings, req, &s); err != nil {
			return errorMsg{err}
		}
		return settingsSavedMsg{s}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.statusMsg = "connected to kubeloadd"
		return a, tea.Batch(tickCmd(), fetchStateCmd(a.client))

	case connectFailedMsg:
		a.connected = false
		a.statusMsg = "kubeloadd unreachable, retrying: " + msg.err.Error()
		return a, tickAfter(reconnectInterval)

	case tickMsg:
		if a.client == nil {
			// The tick chain pauses until the dial answers.
			return a, connectCmd(a.socketPath)
		}
		return a, tea.Batch(tickCmd(), fetchStateCmd(a.client))

	case stateMsg:
		a.setState(msg.state)
		return a, nil

	case settingsSavedMsg:
		a.setState(msg.state)
		a.statusMsg = "settings saved"
		return a, nil

	case actionResultMsg:
		a.statusMsg = msg.resp.Message
		if a.client != nil {
			return a, fetchStateCmd(a.client)
		}
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		if errors.Is(msg.err, uds.ErrClosed) {
			a.client = nil
			a.connected = false
			a.state.Backend = core.BackendUnknown
		}
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) setState(s core.State) {
	if len(s.Log) > core.MaxLogEntries {
		s.Log = s.Log[len(s.Log)-core.MaxLogEntries:]
	}
	a.state = s
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeEditor && a.editor != nil {
		return a.editor.HandleKey(a, msg)
	}

	switch {
	case key.Matches(msg, a.keys.quit):
		return a, tea.Quit

	case key.Matches(msg, a.keys.help):
		a.help.ShowAll = !a.help.ShowAll

	case key.Matches(msg, a.keys.start):
		if reason := a.blocked(a.state.CanStart()); reason != "" {
			a.statusMsg = "cannot start: " + reason
			return a, nil
		}
		a.state.Running = true
		a.state.Loading = true
		a.state.Result = ""
		a.statusMsg = "starting load generation..."
		return a, actionCmd(a.client, uds.MethodStartLoad, nil)

	case key.Matches(msg, a.keys.stop):
		if a.client == nil || !a.state.CanStop() {
			a.statusMsg = "cannot stop: load generation is not running"
			return a, nil
		}
		a.state.Running = false
		a.state.Loading = false
		a.statusMsg = "stopping load generation..."
		return a, actionCmd(a.client, uds.MethodStopLoad, nil)

	case key.Matches(msg, a.keys.crash):
		if reason := a.blocked(a.state.CanCrash()); reason != "" {
			a.statusMsg = "cannot crash: " + reason
			return a, nil
		}
		a.state.Loading = true
		a.state.Result = ""
		a.statusMsg = "triggering backend crash..."
		return a, actionCmd(a.client, uds.MethodCrash, nil)

	case key.Matches(msg, a.keys.batch):
		if reason := a.blocked(a.state.CanBatch()); reason != "" {
			a.statusMsg = "cannot send batch: " + reason
			return a, nil
		}
		a.state.Loading = true
		a.state.Result = ""
		a.statusMsg = "sending batch..."
		return a, actionCmd(a.client, uds.MethodGenerateBatch, uds.BatchRequest{Count: a.batchCount})

	case key.Matches(msg, a.keys.edit):
		a.editor = NewSettingsEditor(a.state.Settings, a.batchCount)
		a.mode = ModeEditor
		return a, textinput.Blink
	}

	return a, nil
}

// blocked explains why a gated action is unavailable, or returns "" when allowed.
func (a App) blocked(allowed bool) string {
	switch {
	case a.client == nil:
		return "not connected to kubeloadd"
	case allowed:
		return ""
	case a.state.Loading:
		return "another action is in progress"
	case !a.state.Online():
		return "backend is " + string(a.state.Backend)
	default:
		return "not available"
	}
}
