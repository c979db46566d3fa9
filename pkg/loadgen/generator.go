// Package loadgen issues load requests against the backend on a fixed interval.
package loadgen

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/imakube/kubeload/pkg/backend"
	"github.com/imakube/kubeload/pkg/core"
)

var (
	ErrAlreadyRunning = errors.New("load generation already running")
	ErrNotRunning     = errors.New("load generation not running")
)

// Requester performs one load request.
type Requester interface {
	GenerateLoad(ctx context.Context, n int) (backend.Reply, error)
}

// EventKind tells what happened to a request.
type EventKind int

const (
	EventRequest EventKind = iota
	EventResponse
	EventError
)

// Event reports the progress of a single request.
type Event struct {
	Kind    EventKind
	Seq     uint64 // request number within the run, starting at 1
	N       int
	Reply   backend.Reply
	Err     error
	Latency time.Duration
}

// Generator fires one request per interval until stopped.
type Generator struct {
	requester Requester
	onEvent   func(Event)
	logger    *slog.Logger

	// base bounds in-flight requests; Stop does not cancel it.
	base context.Context

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	count   uint64
	running bool
}

// New creates a generator. onEvent is called from the generator's goroutines
// and must be safe for concurrent use. In-flight requests are bound to ctx.
func New(ctx context.Context, requester Requester, onEvent func(Event), logger *slog.Logger) *Generator {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Generator{
		requester: requester,
		onEvent:   onEvent,
		logger:    logger,
		base:      ctx,
	}
}

// Start resets the request counter and begins issuing requests every
// settings.Interval(), the first one after one interval has elapsed.
func (g *Generator) Start(settings core.Settings) error {
	settings = settings.Normalize()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}
	g.running = true
	g.count = 0
	g.stop = make(chan struct{})
	g.done = make(chan struct{})

	go g.loop(settings, g.stop, g.done)
	g.logger.Info("load generation started", "fib_n", settings.FibN, "interval", settings.Interval())
	return nil
}

// Stop halts the timer and returns the number of requests sent in this run.
// Requests already in flight are left to complete.
func (g *Generator) Stop() (uint64, error) {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return 0, ErrNotRunning
	}
	g.running = false
	close(g.stop)
	done := g.done
	g.mu.Unlock()

	<-done

	g.mu.Lock()
	total := g.count
	g.mu.Unlock()
	g.logger.Info("load generation stopped", "requests", total)
	return total, nil
}

// Running reports whether the timer is active.
func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Count returns the number of requests sent in the current or last run.
func (g *Generator) Count() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

func (g *Generator) loop(settings core.Settings, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(settings.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-g.base.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			g.count++
			seq := g.count
			g.mu.Unlock()

			g.onEvent(Event{Kind: EventRequest, Seq: seq, N: settings.FibN})
			go g.fire(seq, settings.FibN)
		}
	}
}

func (g *Generator) fire(seq uint64, n int) {
	start := time.Now()
	reply, err := g.requester.GenerateLoad(g.base, n)
	latency := time.Since(start)
	if err != nil {
		g.logger.Debug("load request failed", "seq", seq, "err", err)
		g.onEvent(Event{Kind: EventError, Seq: seq, N: n, Err: err, Latency: latency})
		return
	}
	g.onEvent(Event{Kind: EventResponse, Seq: seq, N: n, Reply: reply, Latency: latency})
}
