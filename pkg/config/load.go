package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. KUBELOAD_BACKEND_URL.
const EnvPrefix = "KUBELOAD"

// Load layers defaults, the YAML file at path (if it exists) and KUBELOAD_*
// environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		fromFile = false
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.interpolate()
	if fromFile {
		c.FilePath = path
	}
	return &c, nil
}

// Parse decodes YAML over the defaults and expands ${VAR} references.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.interpolate()
	return c, nil
}

// ReadFile reads and parses the config file at path without env overrides.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.FilePath = path
	return c, nil
}

// Save writes the config as YAML to path.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (c *Config) interpolate() {
	c.Backend.URL = os.ExpandEnv(c.Backend.URL)
	c.Daemon.Socket = os.ExpandEnv(c.Daemon.Socket)
	c.Daemon.History = os.ExpandEnv(c.Daemon.History)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)

	v.SetDefault("backend.url", d.Backend.URL)
	v.SetDefault("backend.health_path", d.Backend.HealthPath)
	v.SetDefault("backend.crash_path", d.Backend.CrashPath)
	v.SetDefault("backend.crash_method", d.Backend.CrashMethod)
	v.SetDefault("backend.batch_path", d.Backend.BatchPath)
	v.SetDefault("backend.iseven_path", d.Backend.IsEvenPath)

	v.SetDefault("load.endpoint", d.Load.Endpoint)
	v.SetDefault("load.param", d.Load.Param)
	v.SetDefault("load.fib_n", d.Load.FibN)
	v.SetDefault("load.interval_ms", d.Load.IntervalMs)

	v.SetDefault("poll.interval_ms", d.Poll.IntervalMs)
	v.SetDefault("poll.timeout_ms", d.Poll.TimeoutMs)

	v.SetDefault("daemon.socket", d.Daemon.Socket)
	v.SetDefault("daemon.history", d.Daemon.History)
}
