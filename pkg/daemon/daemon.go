package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/imakube/kubeload/pkg/backend"
	"github.com/imakube/kubeload/pkg/core"
	"github.com/imakube/kubeload/pkg/loadgen"
	"github.com/imakube/kubeload/pkg/storage"
	"github.com/imakube/kubeload/pkg/transport/uds"
)

var (
	ErrBusy           = errors.New("another action is in progress")
	ErrBackendOffline = errors.New("backend is offline")
	ErrNoHistory      = errors.New("run history is disabled")
)

const (
	msgCrashOK     = "Backend crash triggered. The service should restart shortly."
	msgCrashFailed = "Failed to trigger the backend crash. The service may already be down."
	msgBatchFailed = "Load generation failed. Please try again."

	defaultActionTimeout = 10 * time.Second
	historyTimeout       = 2 * time.Second
)

func runningText(n uint64) string {
	return fmt.Sprintf("Load generation running. %d requests sent so far.", n)
}

func stoppedText(n uint64) string {
	return fmt.Sprintf("Load generation stopped. %d requests sent in total.", n)
}

func batchText(processed int) string {
	return fmt.Sprintf("Load generated successfully. %d Fibonacci computations performed.", processed)
}

// Backend is the part of the backend API the daemon drives.
// *backend.Client satisfies it.
type Backend interface {
	loadgen.Requester
	HealthChecker
	GenerateBatch(ctx context.Context, count int) (backend.Reply, error)
	Crash(ctx context.Context) error
	IsEven(ctx context.Context, number int) (bool, error)
	LoadEndpoint() string
}

// History records runs and crashes. *storage.Storage satisfies it.
type History interface {
	StartRun(ctx context.Context, r *storage.Run) error
	FinishRun(ctx context.Context, r storage.Run) error
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	RecordCrash(ctx context.Context, c storage.Crash) error
}

// Options configures a Daemon.
type Options struct {
	SocketPath string
	Backend    Backend
	History    History // nil disables run history
	Settings   core.Settings
	// ActionTimeout bounds crash, batch and parity requests.
	ActionTimeout time.Duration
	Version       string
	Logger        *slog.Logger
}

// Daemon is the kubeloadd process: it owns the demo state and serves it over the socket.
type Daemon struct {
	server        *uds.Server
	backend       Backend
	history       History
	actionTimeout time.Duration
	version       string
	logger        *slog.Logger

	// base bounds in-flight load requests; cancelled on Shutdown.
	base   context.Context
	cancel context.CancelFunc

	// lifecycle serializes starting and stopping a run. Taken before mu.
	lifecycle sync.Mutex

	mu        sync.Mutex
	settings  core.Settings
	log       *core.LogRing
	status    core.BackendStatus
	gen       *loadgen.Generator
	run       *storage.Run
	busy      bool
	result    string
	requests  uint64
	responses uint64
	errors    uint64
}

// New creates a new daemon instance.
func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	settings := opts.Settings
	if settings == (core.Settings{}) {
		settings = core.DefaultSettings()
	}

	base, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		server:        uds.NewServer(opts.SocketPath, logger),
		backend:       opts.Backend,
		history:       opts.History,
		actionTimeout: timeout,
		version:       opts.Version,
		logger:        logger,
		base:          base,
		cancel:        cancel,
		settings:      settings.Normalize(),
		log:           core.NewLogRing(core.MaxLogEntries),
		status:        core.BackendUnknown,
	}
	d.registerHandlers()
	return d
}

// Run serves the socket and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.server.Start(ctx)
}

// Ready is closed once the socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.server.Ready()
}

// Shutdown stops load generation, cancels in-flight requests and closes the socket.
func (d *Daemon) Shutdown() {
	d.lifecycle.Lock()
	d.mu.Lock()
	gen, run := d.gen, d.run
	d.mu.Unlock()
	if gen != nil && gen.Running() {
		if total, err := gen.Stop(); err == nil {
			d.finishRun(run, total)
		}
	}
	d.lifecycle.Unlock()
	d.cancel()
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

// State returns a snapshot of the demo state.
func (d *Daemon) State() core.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Daemon) stateLocked() core.State {
	running := d.gen != nil && d.gen.Running()
	s := core.State{
		Settings:  d.settings,
		Loading:   running || d.busy,
		Running:   running,
		Requests:  d.requests,
		Responses: d.responses,
		Errors:    d.errors,
		Backend:   d.status,
		Result:    d.result,
		Log:       d.log.Entries(),
	}
	if d.run != nil {
		s.RunID = d.run.ID
	}
	return s
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodGetState, d.handleGetState)
	d.server.Handle(uds.MethodUpdateSettings, d.handleUpdateSettings)
	d.server.Handle(uds.MethodStartLoad, d.handleStartLoad)
	d.server.Handle(uds.MethodStopLoad, d.handleStopLoad)
	d.server.Handle(uds.MethodCrash, d.handleCrash)
	d.server.Handle(uds.MethodGenerateBatch, d.handleGenerateBatch)
	d.server.Handle(uds.MethodIsEven, d.handleIsEven)
	d.server.Handle(uds.MethodListRuns, d.handleListRuns)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: d.version}, nil
}

func (d *Daemon) handleGetState(_ context.Context, _ uds.Message) (any, error) {
	return d.State(), nil
}

// decodeOptional decodes the payload when one was sent.
func decodeOptional(msg uds.Message, v any) error {
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return nil
	}
	if err := msg.UnmarshalData(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (d *Daemon) handleUpdateSettings(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SettingsRequest
	if err := decodeOptional(msg, &req); err != nil {
		return nil, err
	}
	return d.UpdateSettings(req), nil
}

// UpdateSettings merges req into the current settings. A running generator
// keeps its settings until the next start.
func (d *Daemon) UpdateSettings(req uds.SettingsRequest) core.State {
	d.mu.Lock()
	d.settings = req.Apply(d.settings)
	entry := d.appendLocked(core.EntryInfo, fmt.Sprintf("Settings updated: n=%d, interval=%dms.", d.settings.FibN, d.settings.IntervalMs))
	s := d.stateLocked()
	d.mu.Unlock()

	d.emit(entry)
	d.logger.Info("settings updated", "fib_n", s.Settings.FibN, "interval_ms", s.Settings.IntervalMs)
	return s
}

func (d *Daemon) handleStartLoad(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.SettingsRequest
	if err := decodeOptional(msg, &req); err != nil {
		return nil, err
	}
	return d.StartLoad(ctx, req)
}

// StartLoad starts the load generator. Settings in req override the current
// ones and are kept for later runs.
func (d *Daemon) StartLoad(ctx context.Context, req uds.SettingsRequest) (uds.ActionResponse, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	if d.gen != nil && d.gen.Running() {
		d.mu.Unlock()
		return uds.ActionResponse{}, loadgen.ErrAlreadyRunning
	}
	if d.busy {
		d.mu.Unlock()
		return uds.ActionResponse{}, ErrBusy
	}
	if d.status != core.BackendOnline {
		d.mu.Unlock()
		return uds.ActionResponse{}, ErrBackendOffline
	}

	d.settings = req.Apply(d.settings)
	settings := d.settings
	run := &storage.Run{
		StartedAt:  time.Now(),
		FibN:       settings.FibN,
		IntervalMs: settings.IntervalMs,
		Endpoint:   d.backend.LoadEndpoint(),
	}
	d.recordRunStart(ctx, run)

	gen := loadgen.New(d.base, d.backend, d.loadEventHandler(run.ID), d.logger)
	if err := gen.Start(settings); err != nil {
		d.mu.Unlock()
		return uds.ActionResponse{}, err
	}
	d.gen = gen
	d.run = run
	d.requests, d.responses, d.errors = 0, 0, 0
	d.result = runningText(0)
	entry := d.appendLocked(core.EntryInfo, fmt.Sprintf("Load generation started: n=%d every %dms.", settings.FibN, settings.IntervalMs))
	result := d.result
	d.mu.Unlock()

	d.emit(entry)
	return uds.ActionResponse{OK: true, Message: result}, nil
}

// recordRunStart assigns the run an ID, persisting it when history is enabled.
// Called with d.mu held; history failures only cost the record.
func (d *Daemon) recordRunStart(ctx context.Context, run *storage.Run) {
	if d.history != nil {
		hctx, cancel := context.WithTimeout(ctx, historyTimeout)
		defer cancel()
		if err := d.history.StartRun(hctx, run); err != nil {
			d.logger.Warn("record run start", "err", err)
		}
	}
	if run.ID == "" {
		run.ID = storage.NewRunID()
	}
}

func (d *Daemon) handleStopLoad(_ context.Context, _ uds.Message) (any, error) {
	return d.StopLoad()
}

// StopLoad stops the timer. Requests already in flight still complete and are logged.
func (d *Daemon) StopLoad() (uds.ActionResponse, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	gen, run := d.gen, d.run
	d.mu.Unlock()
	if gen == nil {
		return uds.ActionResponse{}, loadgen.ErrNotRunning
	}

	// Stop waits for the ticker goroutine, which takes d.mu in its event handler.
	total, err := gen.Stop()
	if err != nil {
		return uds.ActionResponse{}, err
	}
	msg := d.finishRun(run, total)
	return uds.ActionResponse{OK: true, Message: msg}, nil
}

// finishRun closes run after its generator stopped. Called with d.lifecycle held.
func (d *Daemon) finishRun(run *storage.Run, total uint64) string {
	d.mu.Lock()
	d.result = stoppedText(total)
	entry := d.appendLocked(core.EntryInfo, d.result)
	var record storage.Run
	if run != nil {
		run.StoppedAt = time.Now()
		run.Requests = total
		if d.run == run {
			run.Responses = d.responses
			run.Errors = d.errors
		}
		record = *run
	}
	result := d.result
	d.mu.Unlock()

	d.emit(entry)
	if d.history != nil && record.ID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := d.history.FinishRun(ctx, record); err != nil {
			d.logger.Warn("record run finish", "run", record.ID, "err", err)
		}
	}
	return result
}

// loadEventHandler turns generator events into log entries. Events from an
// earlier run are still logged but no longer counted.
func (d *Daemon) loadEventHandler(runID string) func(loadgen.Event) {
	return func(ev loadgen.Event) {
		d.mu.Lock()
		current := d.run != nil && d.run.ID == runID
		var entry core.LogEntry
		switch ev.Kind {
		case loadgen.EventRequest:
			if current {
				d.requests = ev.Seq
				if d.gen != nil && d.gen.Running() {
					d.result = runningText(ev.Seq)
				}
			}
			entry = d.appendLocked(core.EntryRequest, fmt.Sprintf("Request #%d sent (n=%d).", ev.Seq, ev.N))
		case loadgen.EventResponse:
			if current {
				d.responses++
			}
			entry = d.appendLocked(core.EntryResponse, fmt.Sprintf("Response #%d received in %s: %s", ev.Seq, ev.Latency.Round(time.Millisecond), ev.Reply.Summary()))
		case loadgen.EventError:
			if current {
				d.errors++
			}
			entry = d.appendLocked(core.EntryError, fmt.Sprintf("Request #%d failed: %v", ev.Seq, ev.Err))
		}
		d.mu.Unlock()
		d.emit(entry)
	}
}

// beginAction claims the loading flag for a one-shot request.
func (d *Daemon) beginAction() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy || (d.gen != nil && d.gen.Running()) {
		return ErrBusy
	}
	if d.status != core.BackendOnline {
		return ErrBackendOffline
	}
	d.busy = true
	d.result = ""
	return nil
}

// endAction releases the loading flag and records the outcome.
func (d *Daemon) endAction(kind core.EntryKind, result string) {
	d.mu.Lock()
	d.busy = false
	d.result = result
	entry := d.appendLocked(kind, result)
	d.mu.Unlock()
	d.emit(entry)
}

func (d *Daemon) handleCrash(ctx context.Context, _ uds.Message) (any, error) {
	return d.Crash(ctx)
}

// Crash calls the crash endpoint once. Any HTTP response counts as success.
func (d *Daemon) Crash(ctx context.Context) (uds.ActionResponse, error) {
	if err := d.beginAction(); err != nil {
		return uds.ActionResponse{}, err
	}
	d.append(core.EntryRequest, "Crash requested.")

	cctx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	err := d.backend.Crash(cctx)
	cancel()

	resp := uds.ActionResponse{OK: err == nil, Message: msgCrashOK}
	kind := core.EntryResponse
	if err != nil {
		d.logger.Warn("crash request failed", "err", err)
		resp.Message = msgCrashFailed
		kind = core.EntryError
	}
	d.endAction(kind, resp.Message)

	if d.history != nil {
		hctx, hcancel := context.WithTimeout(context.Background(), historyTimeout)
		defer hcancel()
		if herr := d.history.RecordCrash(hctx, storage.Crash{At: time.Now(), OK: resp.OK, Message: resp.Message}); herr != nil {
			d.logger.Warn("record crash", "err", herr)
		}
	}
	return resp, nil
}

func (d *Daemon) handleGenerateBatch(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.BatchRequest
	if err := decodeOptional(msg, &req); err != nil {
		return nil, err
	}
	return d.GenerateBatch(ctx, req.Count)
}

// GenerateBatch asks the backend for count computations in a single request.
// A non-positive count falls back to core.DefaultBatchCount.
func (d *Daemon) GenerateBatch(ctx context.Context, count int) (uds.ActionResponse, error) {
	if count <= 0 {
		count = core.DefaultBatchCount
	}
	if err := d.beginAction(); err != nil {
		return uds.ActionResponse{}, err
	}
	d.append(core.EntryRequest, fmt.Sprintf("Batch of %d requested.", count))

	bctx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	reply, err := d.backend.GenerateBatch(bctx, count)
	cancel()

	if err != nil {
		d.logger.Warn("batch request failed", "count", count, "err", err)
		d.endAction(core.EntryError, msgBatchFailed)
		return uds.ActionResponse{OK: false, Message: msgBatchFailed}, nil
	}
	msg := batchText(*reply.ProcessedRequests)
	d.endAction(core.EntryResponse, msg)
	return uds.ActionResponse{OK: true, Message: msg}, nil
}

func (d *Daemon) handleIsEven(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.IsEvenRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return d.IsEven(ctx, req.Number)
}

// IsEven runs the parity probe. It is not gated on backend health.
func (d *Daemon) IsEven(ctx context.Context, number int) (uds.IsEvenResponse, error) {
	ictx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	defer cancel()

	even, err := d.backend.IsEven(ictx, number)
	if err != nil {
		d.append(core.EntryError, fmt.Sprintf("Parity check for %d failed: %v", number, err))
		return uds.IsEvenResponse{}, fmt.Errorf("parity check: %w", err)
	}
	d.append(core.EntryResponse, fmt.Sprintf("%d is_even=%t", number, even))
	return uds.IsEvenResponse{Number: number, IsEven: even}, nil
}

func (d *Daemon) handleListRuns(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.ListRunsRequest
	if err := decodeOptional(msg, &req); err != nil {
		return nil, err
	}
	if d.history == nil {
		return nil, ErrNoHistory
	}
	runs, err := d.history.ListRuns(ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	return runs, nil
}

// SetBackendStatus records a health-check outcome. Transitions are logged and
// broadcast to clients.
func (d *Daemon) SetBackendStatus(status core.BackendStatus, cause error) {
	d.mu.Lock()
	if d.status == status {
		d.mu.Unlock()
		return
	}
	prev := d.status
	d.status = status
	text := "Backend is online."
	if status != core.BackendOnline {
		text = "Backend is offline."
	}
	entry := d.appendLocked(core.EntryInfo, text)
	d.mu.Unlock()

	evt := uds.BackendStatusEvent{Status: status}
	if cause != nil {
		evt.Error = cause.Error()
	}
	d.logger.Info("backend status changed", "from", prev, "to", status, "err", cause)
	d.emit(entry)
	if msg, err := uds.NewEvent(uds.EventBackendStatus, evt); err == nil {
		d.server.Broadcast(msg)
	}
}

func (d *Daemon) append(kind core.EntryKind, text string) {
	d.mu.Lock()
	entry := d.appendLocked(kind, text)
	d.mu.Unlock()
	d.emit(entry)
}

func (d *Daemon) appendLocked(kind core.EntryKind, text string) core.LogEntry {
	return d.log.Append(core.LogEntry{
		TsUnixMs: time.Now().UnixMilli(),
		Kind:     kind,
		Message:  text,
	})
}

// emit pushes a log entry to connected clients. Must not be called with d.mu held.
func (d *Daemon) emit(entry core.LogEntry) {
	if entry.Seq == 0 {
		return
	}
	msg, err := uds.NewEvent(uds.EventLogEntry, entry)
	if err != nil {
		d.logger.Error("encode log entry", "err", err)
		return
	}
	d.server.Broadcast(msg)
}
