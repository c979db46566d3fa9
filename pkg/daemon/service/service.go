// Package service manages the kubeloadd systemd user service unit.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const unitName = "kubeloadd.service"

// Unit describes the generated unit file.
type Unit struct {
	BinaryPath string
	ConfigPath string // optional, passed as --config
}

// Contents returns the systemd unit file contents.
func (u Unit) Contents() string {
	execStart := u.BinaryPath
	if u.ConfigPath != "" {
		execStart += " --config " + u.ConfigPath
	}
	return fmt.Sprintf(`[Unit]
Description=kubeload control daemon for HPA demos
Documentation=https://github.com/imakube/kubeload

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5
WatchdogSec=30

[Install]
WantedBy=default.target
`, execStart)
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", unitName), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
// configPath may be empty; otherwise it is made absolute.
func Install(configPath string) error {
	binaryPath, err := exec.LookPath("kubeloadd")
	if err != nil {
		return fmt.Errorf("kubeloadd not found in PATH: %w", err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve kubeloadd path: %w", err)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("cannot resolve config path: %w", err)
		}
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := WriteUnit(unitPath, Unit{BinaryPath: binaryPath, ConfigPath: configPath}); err != nil {
		return err
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", unitName)
}

// WriteUnit writes u to path, creating parent directories.
func WriteUnit(path string, u Unit) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(u.Contents()), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}
	return nil
}

// Uninstall disables the service, removes the unit file and reloads systemd.
// A unit that is not loaded is not an error.
func Uninstall() error {
	_ = systemctl("disable", "--now", unitName)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	return systemctl("daemon-reload")
}

// showUnit returns `systemctl --user show` output for the unit.
var showUnit = func() (string, error) {
	out, err := exec.Command("systemctl", "--user", "show", unitName,
		"--property=ActiveState,SubState,Type,WatchdogUSec,NRestarts").Output()
	return string(out), err
}

// Status reports the socket, the installed unit and what systemd knows about it.
func Status(socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err != nil {
		return strings.Join(lines, "\n")
	}
	data, err := os.ReadFile(unitPath)
	if err != nil {
		lines = append(lines, "systemd user service: not installed")
		return strings.Join(lines, "\n")
	}

	props := map[string]string{}
	if out, err := showUnit(); err == nil {
		props = parseProperties(out)
	}
	lines = append(lines, describeUnit(parseProperties(serviceSection(string(data))), props)...)
	return strings.Join(lines, "\n")
}

// describeUnit renders the installed unit file settings and the live systemd
// properties. Live values win where both exist.
func describeUnit(file, live map[string]string) []string {
	state := live["ActiveState"]
	if state == "" {
		state = "unknown"
	} else if sub := live["SubState"]; sub != "" {
		state += " (" + sub + ")"
	}
	lines := []string{"systemd user service: " + state}

	typ := live["Type"]
	if typ == "" {
		typ = file["Type"]
	}
	if typ == "notify" {
		lines = append(lines, "readiness: sd_notify")
	} else {
		lines = append(lines, fmt.Sprintf("readiness: %s (run 'kubeload daemon install' to switch to notify)", orDefault(typ, "simple")))
	}

	watchdog := file["WatchdogSec"]
	if usec := live["WatchdogUSec"]; usec != "" && usec != "0" {
		watchdog = usec
	}
	if watchdog == "" || watchdog == "0" || watchdog == "infinity" {
		lines = append(lines, "watchdog: disabled")
	} else {
		lines = append(lines, "watchdog: "+watchdog)
	}

	if n := live["NRestarts"]; n != "" {
		lines = append(lines, "restarts: "+n)
	}
	if cfg := configFlag(file["ExecStart"]); cfg != "" {
		lines = append(lines, "config: "+cfg)
	}
	return lines
}

// serviceSection returns the body of the [Service] section of a unit file.
func serviceSection(unit string) string {
	var b strings.Builder
	in := false
	for _, line := range strings.Split(unit, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			in = line == "[Service]"
			continue
		}
		if in {
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// parseProperties parses Key=Value lines, as found in unit files and
// `systemctl show` output.
func parseProperties(s string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || k == "" || strings.HasPrefix(k, "#") {
			continue
		}
		props[k] = v
	}
	return props
}

func configFlag(execStart string) string {
	fields := strings.Fields(execStart)
	for i, f := range fields {
		if f == "--config" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
