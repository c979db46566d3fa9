package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/imakube/kubeload/pkg/core"
)

// HealthChecker probes the backend. A nil error means online.
type HealthChecker interface {
	Healthz(ctx context.Context) error
}

// StatusSink receives the outcome of every health check.
type StatusSink interface {
	SetBackendStatus(status core.BackendStatus, cause error)
}

// PollLoop checks backend health every interval and reports online/offline.
// Checks never overlap: a slow check delays the next tick.
type PollLoop struct {
	checker  HealthChecker
	sink     StatusSink
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPollLoop creates a poll loop reporting into sink.
func NewPollLoop(checker HealthChecker, sink StatusSink, interval, timeout time.Duration, logger *slog.Logger) *PollLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollLoop{checker: checker, sink: sink, interval: interval, timeout: timeout, logger: logger}
}

// Run checks once immediately, then on every tick. Blocks until ctx is cancelled.
func (pl *PollLoop) Run(ctx context.Context) {
	pl.tick(ctx)

	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.tick(ctx)
		}
	}
}

func (pl *PollLoop) tick(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, pl.timeout)
	defer cancel()

	err := pl.checker.Healthz(cctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		pl.logger.Debug("health check failed", "err", err)
		pl.sink.SetBackendStatus(core.BackendOffline, err)
		return
	}
	pl.sink.SetBackendStatus(core.BackendOnline, nil)
}
