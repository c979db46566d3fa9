package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imakube/kubeload/pkg/backend"
	"github.com/imakube/kubeload/pkg/core"
	"github.com/imakube/kubeload/pkg/loadgen"
	"github.com/imakube/kubeload/pkg/storage"
	"github.com/imakube/kubeload/pkg/transport/uds"
)

type fakeBackend struct {
	mu         sync.Mutex
	crashErr   error
	batchErr   error
	hold       chan struct{} // when set, load requests wait for it to close
	loads      int
	crashes    int
	batchCount int
}

func (f *fakeBackend) GenerateLoad(ctx context.Context, n int) (backend.Reply, error) {
	f.mu.Lock()
	f.loads++
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return backend.Reply{}, ctx.Err()
		}
	}
	return backend.Reply{N: &n, Result: json.RawMessage("832040")}, nil
}

func (f *fakeBackend) Healthz(context.Context) error { return nil }

func (f *fakeBackend) GenerateBatch(_ context.Context, count int) (backend.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCount = count
	if f.batchErr != nil {
		return backend.Reply{}, f.batchErr
	}
	return backend.Reply{ProcessedRequests: &count}, nil
}

func (f *fakeBackend) Crash(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashes++
	return f.crashErr
}

func (f *fakeBackend) IsEven(_ context.Context, number int) (bool, error) {
	return number%2 == 0, nil
}

func (f *fakeBackend) LoadEndpoint() string { return "/api/generate-load" }

func newTestDaemon(t *testing.T, fb *fakeBackend, history History) *Daemon {
	t.Helper()
	d := New(Options{
		SocketPath:    filepath.Join(t.TempDir(), "kubeload.sock"),
		Backend:       fb,
		History:       history,
		Settings:      core.Settings{FibN: 10, IntervalMs: 100},
		ActionTimeout: time.Second,
		Version:       "test",
		Logger:        testLogger(),
	})
	t.Cleanup(d.Shutdown)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func hasEntry(s core.State, kind core.EntryKind, prefix string) bool {
	for _, e := range s.Log {
		if e.Kind == kind && strings.HasPrefix(e.Message, prefix) {
			return true
		}
	}
	return false
}

func TestInitialState(t *testing.T) {
	d := newTestDaemon(t, &fakeBackend{}, nil)
	s := d.State()

	if s.Backend != core.BackendUnknown {
		t.Errorf("backend = %s, want unknown", s.Backend)
	}
	if s.Loading || s.Running {
		t.Error("fresh daemon should be idle")
	}
	if s.CanStart() || s.CanCrash() {
		t.Error("actions must be disabled until the backend is online")
	}
	if s.Settings.FibN != 10 || s.Settings.IntervalMs != 100 {
		t.Errorf("settings = %+v", s.Settings)
	}
}

func TestStartRequiresOnlineBackend(t *testing.T) {
	d := newTestDaemon(t, &fakeBackend{}, nil)

	_, err := d.StartLoad(context.Background(), uds.SettingsRequest{})
	if !errors.Is(err, ErrBackendOffline) {
		t.Fatalf("err = %v, want ErrBackendOffline", err)
	}

	d.SetBackendStatus(core.BackendOffline, errors.New("down"))
	if _, err := d.StartLoad(context.Background(), uds.SettingsRequest{}); !errors.Is(err, ErrBackendOffline) {
		t.Fatalf("err = %v, want ErrBackendOffline", err)
	}
}

func TestStartDisablesStartAndCrashEnablesStop(t *testing.T) {
	fb := &fakeBackend{}
	d := newTestDaemon(t, fb, nil)
	d.SetBackendStatus(core.BackendOnline, nil)

	before := d.State()
	if !before.CanStart() || before.CanStop() {
		t.Fatalf("before start: CanStart=%v CanStop=%v", before.CanStart(), before.CanStop())
	}

	resp, err := d.StartLoad(context.Background(), uds.SettingsRequest{})
	if err != nil {
		t.Fatalf("StartLoad: %v", err)
	}
	if !resp.OK || resp.Message != "Load generation running. 0 requests sent so far." {
		t.Errorf("resp = %+v", resp)
	}

	s := d.State()
	if s.CanStart() {
		t.Error("start should be disabled while running")
	}
	if s.CanCrash() {
		t.Error("crash should be disabled while running")
	}
	if !s.CanStop() {
		t.Error("stop should be enabled while running")
	}
	if s.RunID == "" {
		t.Error("run id not assigned")
	}

	if _, err := d.StartLoad(context.Background(), uds.SettingsRequest{}); !errors.Is(err, loadgen.ErrAlreadyRunning) {
		t.Errorf("second start err = %v", err)
	}
	if _, err := d.Crash(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("crash while running err = %v", err)
	}

	waitFor(t, "first request", func() bool { return d.State().Requests >= 1 })
	if got := d.State().Result; !strings.HasPrefix(got, "Load generation running.") {
		t.Errorf("result while running = %q", got)
	}

	resp, err = d.StopLoad()
	if err != nil {
		t.Fatalf("StopLoad: %v", err)
	}
	s = d.State()
	if s.Running || s.Loading {
		t.Error("should be idle after stop")
	}
	if !s.CanStart() || s.CanStop() {
		t.Errorf("after stop: CanStart=%v CanStop=%v", s.CanStart(), s.CanStop())
	}
	want := "Load generation stopped. " + strconv.FormatUint(s.Requests, 10) + " requests sent in total."
	if resp.Message != want || s.Result != want {
		t.Errorf("stop message = %q, result = %q, want %q", resp.Message, s.Result, want)
	}
}

func TestStopWhenIdle(t *testing.T) {
	d := newTestDaemon(t, &fakeBackend{}, nil)
	if _, err := d.StopLoad(); !errors.Is(err, loadgen.ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestStartOverridesSettingsAndResetsCounter(t *testing.T) {
	d := newTestDaemon(t, &fakeBackend{}, nil)
	d.SetBackendStatus(core.BackendOnline, nil)

	if _, err := d.StartLoad(context.Background(), uds.SettingsRequest{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "requests", func() bool { return d.State().Requests >= 2 })
	if _, err := d.StopLoad(); err != nil {
		t.Fatal(err)
	}

	if _, err := d.StartLoad(context.Background(), uds.SettingsRequest{FibN: 25, IntervalMs: 50}); err != nil {
		t.Fatal(err)
	}
	s := d.State()
	if s.Requests != 0 {
		t.Errorf("requests = %d after restart, want 0", s.Requests)
	}
	if s.Settings.FibN != 25 || s.Settings.IntervalMs != core.MinInterval.Milliseconds() {
		t.Errorf("settings = %+v", s.Settings)
	}
}

func TestStopLeavesInFlightResponses(t *testing.T) {
	fb := &fakeBackend{hold: make(chan struct{})}
	d := newTestDaemon(t, fb, nil)
	d.SetBackendStatus(core.BackendOnline, nil)

	if _, err := d.StartLoad(context.Background(), uds.SettingsRequest{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first request", func() bool { return d.State().Requests >= 1 })
	if _, err := d.StopLoad(); err != nil {
		t.Fatal(err)
	}
	if hasEntry(d.State(), core.EntryResponse, "Response #1") {
		t.Fatal("response logged before the request completed")
	}

	close(fb.hold)
	waitFor(t, "late response", func() bool {
		return hasEntry(d.State(), core.EntryResponse, "Response #1")
	})
	if d.State().Running {
		t.Error("late response must not restart the generator")
	}
}

func TestCrash(t *testing.T) {
	fb := &fakeBackend{}
	d := newTestDaemon(t, fb, nil)
	d.SetBackendStatus(core.BackendOnline, nil)

	resp, err := d.Crash(context.Background())
	if err != nil {
		t.Fatalf("Crash: %v", err)
	}
	if !resp.OK || resp.Message != msgCrashOK {
		t.Errorf("resp = %+v", resp)
	}
	s := d.State()
	if s.Loading {
		t.Error("loading should clear after crash request")
	}
	if s.Result != msgCrashOK {
		t.Errorf("result = %q", s.Result)
	}

	fb.crashErr = errors.New("connection refused")
	resp, err = d.Crash(context.Background())
	if err != nil {
		t.Fatalf("Crash: %v", err)
	}
	if resp.OK || resp.Message != msgCrashFailed {
		t.Errorf("resp = %+v", resp)
	}
	if !hasEntry(d.State(), core.EntryError, "Failed to trigger") {
		t.Error("failure not logged")
	}
}

func TestCrashDisabledWhileOffline(t *testing.T) {
	fb := &fakeBackend{}
	d := newTestDaemon(t, fb, nil)
	d.SetBackendStatus(core.BackendOffline, nil)

	if d.State().CanCrash() {
		t.Error("CanCrash should be false while offline")
	}
	if _, err := d.Crash(context.Background()); !errors.Is(err, ErrBackendOffline) {
		t.Fatalf("err = %v, want ErrBackendOffline", err)
	}
	if fb.crashes != 0 {
		t.Errorf("crash endpoint called %d times", fb.crashes)
	}
}

func TestGenerateBatch(t *testing.T) {
	fb := &fakeBackend{}
	d := newTestDaemon(t, fb, nil)
	d.SetBackendStatus(core.BackendOnline, nil)

	resp, err := d.GenerateBatch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if fb.batchCount != core.DefaultBatchCount {
		t.Errorf("count = %d, want default %d", fb.batchCount, core.DefaultBatchCount)
	}
	if resp.Message != "Load generated successfully. 100 Fibonacci computations performed." {
		t.Errorf("message = %q", resp.Message)
	}

	fb.batchErr = errors.New("boom")
	resp, err = d.GenerateBatch(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Message != msgBatchFailed {
		t.Errorf("resp = %+v", resp)
	}
	if d.State().Loading {
		t.Error("loading should clear after batch")
	}
}

func TestLogNeverExceedsCap(t *testing.T) {
	d := newTestDaemon(t, &fakeBackend{}, nil)
	for i := 0; i < 3*core.MaxLogEntries; i++ {
		d.UpdateSettings(uds.SettingsRequest{FibN: i + 1})
	}
	s := d.State()
	if len(s.Log) != core.MaxLogEntries {
		t.Fatalf("log length = %d, want %d", len(s.Log), core.MaxLogEntries)
	}
	if last := s.Log[len(s.Log)-1]; last.Seq != uint64(3*core.MaxLogEntries) {
		t.Errorf("last seq = %d", last.Seq)
	}
}

func TestBackendTransitionsLogged(t *testing.T) {
	d := newTestDaemon(t, &fakeBackend{}, nil)

	d.SetBackendStatus(core.BackendOnline, nil)
	d.SetBackendStatus(core.BackendOnline, nil)
	d.SetBackendStatus(core.BackendOffline, errors.New("timeout"))

	s := d.State()
	if len(s.Log) != 2 {
		t.Fatalf("expected 2 transition entries, got %d: %+v", len(s.Log), s.Log)
	}
	if s.Log[0].Message != "Backend is online." || s.Log[1].Message != "Backend is offline." {
		t.Errorf("entries = %+v", s.Log)
	}
}

func TestHistoryRecordsRunsAndCrashes(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	d := newTestDaemon(t, &fakeBackend{}, store)
	d.SetBackendStatus(core.BackendOnline, nil)

	if _, err := d.StartLoad(context.Background(), uds.SettingsRequest{}); err != nil {
		t.Fatal(err)
	}
	runID := d.State().RunID
	waitFor(t, "request", func() bool { return d.State().Requests >= 1 })
	if _, err := d.StopLoad(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Crash(context.Background()); err != nil {
		t.Fatal(err)
	}

	runs, err := store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].ID != runID || runs[0].Requests == 0 || runs[0].StoppedAt.IsZero() {
		t.Errorf("run = %+v", runs[0])
	}

	crashes, err := store.ListCrashes(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(crashes) != 1 || !crashes[0].OK {
		t.Errorf("crashes = %+v", crashes)
	}
}

type recordingHistory struct {
	mu       sync.Mutex
	started  []string
	finished map[string]int
}

func (h *recordingHistory) StartRun(_ context.Context, r *storage.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.ID = storage.NewRunID()
	h.started = append(h.started, r.ID)
	return nil
}

func (h *recordingHistory) FinishRun(_ context.Context, r storage.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished == nil {
		h.finished = make(map[string]int)
	}
	h.finished[r.ID]++
	return nil
}

func (h *recordingHistory) ListRuns(context.Context, int) ([]storage.Run, error) { return nil, nil }

func (h *recordingHistory) RecordCrash(context.Context, storage.Crash) error { return nil }

func TestConcurrentStopAndStartKeepRunsApart(t *testing.T) {
	history := &recordingHistory{}
	d := newTestDaemon(t, &fakeBackend{}, history)
	d.SetBackendStatus(core.BackendOnline, nil)

	ctx := context.Background()
	if _, err := d.StartLoad(ctx, uds.SettingsRequest{}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.StopLoad(); err != nil {
				t.Errorf("stop %d: %v", i, err)
			}
		}()

		for {
			_, err := d.StartLoad(ctx, uds.SettingsRequest{})
			if err == nil {
				break
			}
			if !errors.Is(err, loadgen.ErrAlreadyRunning) {
				t.Fatalf("start %d: %v", i, err)
			}
		}
		wg.Wait()

		s := d.State()
		if !s.Running || !strings.HasPrefix(s.Result, "Load generation running.") {
			t.Fatalf("iteration %d: running=%t result=%q", i, s.Running, s.Result)
		}
	}

	if _, err := d.StopLoad(); err != nil {
		t.Fatal(err)
	}

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.started) != 101 {
		t.Fatalf("started %d runs, want 101", len(history.started))
	}
	for _, id := range history.started {
		if n := history.finished[id]; n != 1 {
			t.Errorf("run %s finished %d times, want 1", id, n)
		}
	}
	if len(history.finished) != len(history.started) {
		t.Errorf("finished %d distinct runs, want %d", len(history.finished), len(history.started))
	}
}

func TestSocketRoundTrip(t *testing.T) {
	d := newTestDaemon(t, &fakeBackend{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	select {
	case <-d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon not ready")
	}

	client, err := uds.Dial(d.Server().SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	var pong uds.PingResponse
	if err := client.Call(reqCtx, uds.MethodPing, nil, &pong); err != nil {
		t.Fatal(err)
	}
	if pong.Version != "test" {
		t.Errorf("version = %q", pong.Version)
	}

	err = client.Call(reqCtx, uds.MethodStartLoad, nil, nil)
	if err == nil || err.Error() != ErrBackendOffline.Error() {
		t.Errorf("start offline err = %v", err)
	}

	var state core.State
	if err := client.Call(reqCtx, uds.MethodUpdateSettings, uds.SettingsRequest{FibN: 33}, &state); err != nil {
		t.Fatal(err)
	}
	if state.Settings.FibN != 33 {
		t.Errorf("fib_n = %d", state.Settings.FibN)
	}

	var even uds.IsEvenResponse
	if err := client.Call(reqCtx, uds.MethodIsEven, uds.IsEvenRequest{Number: 7}, &even); err != nil {
		t.Fatal(err)
	}
	if even.IsEven {
		t.Error("7 reported even")
	}

	err = client.Call(reqCtx, uds.MethodListRuns, nil, nil)
	if err == nil || err.Error() != ErrNoHistory.Error() {
		t.Errorf("list runs without history err = %v", err)
	}
}
