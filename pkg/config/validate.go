package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/imakube/kubeload/pkg/core"
)

// Validate checks the config for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}

	// Backend
	u, err := url.Parse(c.Backend.URL)
	switch {
	case c.Backend.URL == "":
		errs = append(errs, fmt.Errorf("backend.url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("backend.url must use http or https, got %q", c.Backend.URL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("backend.url must include a host, got %q", c.Backend.URL))
	}

	paths := []struct {
		key, value string
	}{
		{"backend.health_path", c.Backend.HealthPath},
		{"backend.crash_path", c.Backend.CrashPath},
		{"backend.batch_path", c.Backend.BatchPath},
		{"backend.iseven_path", c.Backend.IsEvenPath},
		{"load.endpoint", c.Load.Endpoint},
	}
	for _, p := range paths {
		if !strings.HasPrefix(p.value, "/") {
			errs = append(errs, fmt.Errorf("%s must start with /, got %q", p.key, p.value))
		}
	}

	switch strings.ToUpper(c.Backend.CrashMethod) {
	case "GET", "POST":
	default:
		errs = append(errs, fmt.Errorf("backend.crash_method must be GET or POST, got %q", c.Backend.CrashMethod))
	}

	// Load
	if c.Load.Param == "" {
		errs = append(errs, fmt.Errorf("load.param is required"))
	}
	if c.Load.FibN < core.MinFibN {
		errs = append(errs, fmt.Errorf("load.fib_n must be at least %d, got %d", core.MinFibN, c.Load.FibN))
	}
	if minMs := core.MinInterval.Milliseconds(); c.Load.IntervalMs < minMs {
		errs = append(errs, fmt.Errorf("load.interval_ms must be at least %d, got %d", minMs, c.Load.IntervalMs))
	}

	// Poll
	if c.Poll.IntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval_ms must be positive, got %d", c.Poll.IntervalMs))
	}
	if c.Poll.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("poll.timeout_ms must be positive, got %d", c.Poll.TimeoutMs))
	}

	if c.Daemon.Socket == "" {
		errs = append(errs, fmt.Errorf("daemon.socket is required"))
	}

	return errs
}

// Settings returns the initial load settings described by the config.
func (c *Config) Settings() core.Settings {
	return core.Settings{FibN: c.Load.FibN, IntervalMs: c.Load.IntervalMs}.Normalize()
}
