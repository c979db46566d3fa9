package core

import (
	"strconv"
	"strings"
	"time"
)

const (
	DefaultFibN     = 30
	MinFibN         = 1
	DefaultInterval = 100 * time.Millisecond
	MinInterval     = 100 * time.Millisecond

	// DefaultBatchCount is the number of computations a batch asks for when
	// the caller does not say.
	DefaultBatchCount = 100
)

// BackendStatus is the last observed health of the backend.
type BackendStatus string

const (
	BackendUnknown BackendStatus = "unknown"
	BackendOnline  BackendStatus = "online"
	BackendOffline BackendStatus = "offline"
)

// Settings are the presenter-controlled load parameters.
type Settings struct {
	FibN       int   `json:"fib_n"`
	IntervalMs int64 `json:"interval_ms"`
}

// DefaultSettings returns the settings a fresh demo starts with.
func DefaultSettings() Settings {
	return Settings{FibN: DefaultFibN, IntervalMs: DefaultInterval.Milliseconds()}
}

// Normalize clamps the settings to their minimums.
func (s Settings) Normalize() Settings {
	s.FibN = max(s.FibN, MinFibN)
	s.IntervalMs = max(s.IntervalMs, MinInterval.Milliseconds())
	return s
}

// Interval returns the request interval as a duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// ParseFibN converts form input into a Fibonacci number. Anything that is not
// an integer becomes MinFibN; values below the minimum are clamped.
func ParseFibN(input string) int {
	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return MinFibN
	}
	return max(n, MinFibN)
}

// ParseIntervalMs converts form input into an interval in milliseconds.
func ParseIntervalMs(input string) int64 {
	minMs := MinInterval.Milliseconds()
	ms, err := strconv.ParseInt(strings.TrimSpace(input), 10, 64)
	if err != nil {
		return minMs
	}
	return max(ms, minMs)
}

// State is a point-in-time snapshot of the demo, shared by the daemon and its clients.
type State struct {
	Settings  Settings      `json:"settings"`
	Loading   bool          `json:"loading"`
	Running   bool          `json:"running"`
	Requests  uint64        `json:"requests"`
	Responses uint64        `json:"responses"`
	Errors    uint64        `json:"errors"`
	Backend   BackendStatus `json:"backend"`
	Result    string        `json:"result,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	Log       []LogEntry    `json:"log"`
}

// Online reports whether the last health check succeeded.
func (s State) Online() bool {
	return s.Backend == BackendOnline
}

// CanStart reports whether load generation may be started.
func (s State) CanStart() bool {
	return !s.Loading && s.Online()
}

// CanStop reports whether there is a running load generator to stop.
func (s State) CanStop() bool {
	return s.Running
}

// CanCrash reports whether a crash may be triggered.
func (s State) CanCrash() bool {
	return !s.Loading && s.Online()
}

// CanBatch reports whether a one-shot batch may be sent.
func (s State) CanBatch() bool {
	return !s.Loading && s.Online()
}
