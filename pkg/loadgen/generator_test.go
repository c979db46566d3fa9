package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imakube/kubeload/pkg/backend"
	"github.com/imakube/kubeload/pkg/core"
)

type fakeRequester struct {
	calls   atomic.Int64
	fail    bool
	release chan struct{} // when non-nil, requests block until it is closed
}

func (f *fakeRequester) GenerateLoad(ctx context.Context, n int) (backend.Reply, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return backend.Reply{}, ctx.Err()
		}
	}
	if f.fail {
		return backend.Reply{}, errors.New("connection refused")
	}
	return backend.Reply{Result: json.RawMessage("55")}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var fastSettings = core.Settings{FibN: 10, IntervalMs: 100}

func TestStartStop(t *testing.T) {
	req := &fakeRequester{}
	rec := &recorder{}
	g := New(context.Background(), req, rec.record, testLogger())

	if err := g.Start(fastSettings); err != nil {
		t.Fatal(err)
	}
	if !g.Running() {
		t.Fatal("expected running after Start")
	}

	waitFor(t, func() bool { return rec.count(EventResponse) >= 2 })

	total, err := g.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if g.Running() {
		t.Error("expected stopped after Stop")
	}
	if total < 2 {
		t.Errorf("expected at least 2 requests, got %d", total)
	}
	if got := uint64(rec.count(EventRequest)); got != total {
		t.Errorf("request events: got %d, want %d", got, total)
	}

	// No new requests after Stop.
	time.Sleep(250 * time.Millisecond)
	if got := uint64(rec.count(EventRequest)); got != total {
		t.Errorf("requests kept firing after Stop: %d > %d", got, total)
	}
}

func TestStartTwice(t *testing.T) {
	g := New(context.Background(), &fakeRequester{}, nil, testLogger())
	if err := g.Start(fastSettings); err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	if err := g.Start(fastSettings); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopWhenIdle(t *testing.T) {
	g := New(context.Background(), &fakeRequester{}, nil, testLogger())
	if _, err := g.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestCounterResetsOnStart(t *testing.T) {
	rec := &recorder{}
	g := New(context.Background(), &fakeRequester{}, rec.record, testLogger())

	g.Start(fastSettings)
	waitFor(t, func() bool { return g.Count() >= 2 })
	g.Stop()

	g.Start(fastSettings)
	if got := g.Count(); got != 0 {
		t.Errorf("count after restart: got %d, want 0", got)
	}
	waitFor(t, func() bool { return g.Count() >= 1 })
	g.Stop()
}

func TestSeqMonotonic(t *testing.T) {
	rec := &recorder{}
	g := New(context.Background(), &fakeRequester{}, rec.record, testLogger())
	g.Start(fastSettings)
	waitFor(t, func() bool { return rec.count(EventRequest) >= 3 })
	g.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var last uint64
	for _, e := range rec.events {
		if e.Kind != EventRequest {
			continue
		}
		if e.Seq != last+1 {
			t.Fatalf("request seq jumped from %d to %d", last, e.Seq)
		}
		last = e.Seq
	}
}

func TestErrorsReported(t *testing.T) {
	rec := &recorder{}
	g := New(context.Background(), &fakeRequester{fail: true}, rec.record, testLogger())
	g.Start(fastSettings)
	waitFor(t, func() bool { return rec.count(EventError) >= 1 })
	g.Stop()

	if rec.count(EventResponse) != 0 {
		t.Error("expected no responses from a failing backend")
	}
}

func TestInFlightSurvivesStop(t *testing.T) {
	req := &fakeRequester{release: make(chan struct{})}
	rec := &recorder{}
	g := New(context.Background(), req, rec.record, testLogger())

	g.Start(fastSettings)
	waitFor(t, func() bool { return req.calls.Load() >= 1 })
	if _, err := g.Stop(); err != nil {
		t.Fatal(err)
	}
	if rec.count(EventResponse) != 0 {
		t.Fatal("response arrived before release")
	}

	close(req.release)
	waitFor(t, func() bool { return rec.count(EventResponse) >= 1 })
}

func TestContextCancelAbortsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := &fakeRequester{release: make(chan struct{})}
	rec := &recorder{}
	g := New(ctx, req, rec.record, testLogger())

	g.Start(fastSettings)
	waitFor(t, func() bool { return req.calls.Load() >= 1 })
	cancel()

	waitFor(t, func() bool { return rec.count(EventError) >= 1 })
	g.Stop()
}

func TestIntervalClamped(t *testing.T) {
	rec := &recorder{}
	g := New(context.Background(), &fakeRequester{}, rec.record, testLogger())

	g.Start(core.Settings{FibN: 0, IntervalMs: 1})
	time.Sleep(150 * time.Millisecond)
	g.Stop()

	// 1ms would have produced ~150 requests; the 100ms floor allows at most one.
	if got := rec.count(EventRequest); got > 1 {
		t.Errorf("interval not clamped: %d requests in 150ms", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if e.N != core.MinFibN {
			t.Errorf("fib n not clamped: got %d", e.N)
		}
	}
}
