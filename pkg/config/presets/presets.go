// Package presets generates kubeload.yaml files for known backend API revisions.
package presets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/imakube/kubeload/pkg/config"
)

type generator func(c *config.Config)

var presets = map[string]generator{
	// Repeated GET /api/generate-load?n=<fib> on a timer.
	"interval": func(c *config.Config) {},

	// Earlier API revision: a single POST {count} and a POST crash.
	"batch": func(c *config.Config) {
		c.Backend.CrashMethod = "POST"
		c.Backend.BatchPath = "/api/generate-load"
	},

	// Bare parity backend exposing only /iseven.
	"iseven": func(c *config.Config) {
		c.Load.Endpoint = "/iseven"
		c.Load.Param = "number"
		c.Backend.HealthPath = "/iseven?number=0"
	},
}

// Names returns the available preset names, sorted.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate builds a config for the named preset. An empty backendURL keeps the default.
func Generate(name, backendURL string) (*config.Config, error) {
	gen, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset: %s (available: %s)", name, strings.Join(Names(), ", "))
	}
	c := config.Default()
	if backendURL != "" {
		c.Backend.URL = strings.TrimRight(backendURL, "/")
	}
	gen(c)
	return c, nil
}
