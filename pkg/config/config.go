// Package config loads and validates the kubeload.yaml configuration file.
package config

import "time"

// DefaultPath is where kubeload looks for its config when none is given.
const DefaultPath = "kubeload.yaml"

// Config represents a kubeload.yaml file.
type Config struct {
	Version int           `yaml:"version" mapstructure:"version" json:"version"`
	Backend BackendConfig `yaml:"backend" mapstructure:"backend" json:"backend"`
	Load    LoadConfig    `yaml:"load"    mapstructure:"load"    json:"load"`
	Poll    PollConfig    `yaml:"poll"    mapstructure:"poll"    json:"poll"`
	Daemon  DaemonConfig  `yaml:"daemon"  mapstructure:"daemon"  json:"daemon"`

	// FilePath is the file this config was read from, if any.
	FilePath string `yaml:"-" mapstructure:"-" json:"-"`
}

// BackendConfig locates the backend API under test.
type BackendConfig struct {
	URL         string `yaml:"url"          mapstructure:"url"          json:"url"`
	HealthPath  string `yaml:"health_path"  mapstructure:"health_path"  json:"health_path"`
	CrashPath   string `yaml:"crash_path"   mapstructure:"crash_path"   json:"crash_path"`
	CrashMethod string `yaml:"crash_method" mapstructure:"crash_method" json:"crash_method"` // GET|POST
	BatchPath   string `yaml:"batch_path"   mapstructure:"batch_path"   json:"batch_path"`
	IsEvenPath  string `yaml:"iseven_path"  mapstructure:"iseven_path"  json:"iseven_path"`
}

// LoadConfig describes the request the load generator repeats.
type LoadConfig struct {
	Endpoint   string `yaml:"endpoint"    mapstructure:"endpoint"    json:"endpoint"`
	Param      string `yaml:"param"       mapstructure:"param"       json:"param"`
	FibN       int    `yaml:"fib_n"       mapstructure:"fib_n"       json:"fib_n"`
	IntervalMs int64  `yaml:"interval_ms" mapstructure:"interval_ms" json:"interval_ms"`
}

// PollConfig controls the backend health poller.
type PollConfig struct {
	IntervalMs int64 `yaml:"interval_ms" mapstructure:"interval_ms" json:"interval_ms"`
	TimeoutMs  int64 `yaml:"timeout_ms"  mapstructure:"timeout_ms"  json:"timeout_ms"`
}

// DaemonConfig holds kubeloadd settings.
type DaemonConfig struct {
	Socket  string `yaml:"socket"  mapstructure:"socket"  json:"socket"`
	History string `yaml:"history" mapstructure:"history" json:"history"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version: 1,
		Backend: BackendConfig{
			URL:         "http://localhost:8080",
			HealthPath:  "/api/healthz",
			CrashPath:   "/api/crash-backend",
			CrashMethod: "GET",
			BatchPath:   "/api/generate-load",
			IsEvenPath:  "/iseven",
		},
		Load: LoadConfig{
			Endpoint:   "/api/generate-load",
			Param:      "n",
			FibN:       30,
			IntervalMs: 100,
		},
		Poll: PollConfig{
			IntervalMs: 500,
			TimeoutMs:  1000,
		},
		Daemon: DaemonConfig{
			Socket:  "/tmp/kubeload.sock",
			History: "${HOME}/.local/share/kubeload/history.db",
		},
	}
}

// PollInterval returns the health poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// PollTimeout returns the per-check health timeout.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Poll.TimeoutMs) * time.Millisecond
}
