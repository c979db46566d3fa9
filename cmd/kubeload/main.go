package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/imakube/kubeload/internal/buildinfo"
	"github.com/imakube/kubeload/pkg/config"
	"github.com/imakube/kubeload/pkg/config/presets"
	"github.com/imakube/kubeload/pkg/core"
	"github.com/imakube/kubeload/pkg/daemon/service"
	"github.com/imakube/kubeload/pkg/storage"
	"github.com/imakube/kubeload/pkg/transport/uds"
	tuimodel "github.com/imakube/kubeload/pkg/tui/model"
)

var (
	configPath string
	socketPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kubeload",
	Short: "Load generator and crash trigger for Kubernetes HPA demos",
	Long: "kubeload drives CPU-bound Fibonacci requests against a backend, triggers backend crashes " +
		"and shows backend health live. The TUI talks to the kubeloadd daemon, which is started on demand.",
	SilenceUsage:      true,
	PersistentPreRunE: resolveSocket,
	RunE:              runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to kubeload.yaml (default ./kubeload.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default from config)")

	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(crashCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(isEvenCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(configCmd)
}

// resolveSocket fills socketPath from the config when --socket is not given.
func resolveSocket(_ *cobra.Command, _ []string) error {
	if socketPath != "" {
		return nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		// config subcommands report the problem themselves
		socketPath = config.Default().Daemon.Socket
		return nil
	}
	socketPath = cfg.Daemon.Socket
	return nil
}

// --- Root: TUI ---

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the dashboard (default)",
	RunE:  runTUI,
}

func runTUI(_ *cobra.Command, _ []string) error {
	ensureDaemon()
	app := tuimodel.New(socketPath)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func ensureDaemon() {
	if _, err := os.Stat(socketPath); err == nil {
		return
	}
	args := []string{"--socket", socketPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command("kubeloadd", args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not start kubeloadd: %v\n", err)
		return
	}
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: daemon did not come up, continuing anyway")
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s (is kubeloadd running?): %w", socketPath, err)
	}
	return client, nil
}

// call dials the daemon, performs one request and decodes the reply into out.
func call(timeout time.Duration, method string, in, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Call(ctx, method, in, out)
}

// action runs a start/stop/crash/batch request and prints the daemon's message.
func action(cmd *cobra.Command, method string, in any) error {
	var resp uds.ActionResponse
	if err := call(30*time.Second, method, in, &resp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	if !resp.OK {
		return errors.New(resp.Message)
	}
	return nil
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(2*time.Second, uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (kubeloadd %s)\n", pong.Version)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kubeload %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend health, load settings and counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var s core.State
		if err := call(2*time.Second, uds.MethodGetState, nil, &s); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}
		printState(out, s)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func printState(w io.Writer, s core.State) {
	fmt.Fprintf(w, "backend:   %s\n", s.Backend)
	fmt.Fprintf(w, "settings:  n=%d interval=%dms\n", s.Settings.FibN, s.Settings.IntervalMs)
	fmt.Fprintf(w, "running:   %t\n", s.Running)
	fmt.Fprintf(w, "requests:  %d (ok %d, failed %d)\n", s.Requests, s.Responses, s.Errors)
	if s.RunID != "" {
		fmt.Fprintf(w, "run:       %s\n", s.RunID)
	}
	if s.Result != "" {
		fmt.Fprintf(w, "status:    %s\n", s.Result)
	}
}

// --- Start / Stop ---

var (
	startN        string
	startInterval string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start sending load requests at a fixed interval",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var req uds.SettingsRequest
		if cmd.Flags().Changed("n") {
			req.FibN = core.ParseFibN(startN)
		}
		if cmd.Flags().Changed("interval") {
			req.IntervalMs = core.ParseIntervalMs(startInterval)
		}
		return action(cmd, uds.MethodStartLoad, req)
	},
}

func init() {
	startCmd.Flags().StringVar(&startN, "n", "", "Fibonacci number to request (minimum 1)")
	startCmd.Flags().StringVar(&startInterval, "interval", "", "milliseconds between requests (minimum 100)")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop sending load requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return action(cmd, uds.MethodStopLoad, nil)
	},
}

// --- Crash / Batch ---

var crashCmd = &cobra.Command{
	Use:   "crash",
	Short: "Ask the backend to crash so Kubernetes restarts it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return action(cmd, uds.MethodCrash, nil)
	},
}

var batchCount int

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Send one request asking the backend for many computations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return action(cmd, uds.MethodGenerateBatch, uds.BatchRequest{Count: batchCount})
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchCount, "count", core.DefaultBatchCount, "number of computations")
}

// --- IsEven ---

var isEvenCmd = &cobra.Command{
	Use:   "iseven <number>",
	Short: "Ask the backend whether a number is even",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid number %q", args[0])
		}
		var resp uds.IsEvenResponse
		if err := call(10*time.Second, uds.MethodIsEven, uds.IsEvenRequest{Number: n}, &resp); err != nil {
			return err
		}
		if resp.IsEven {
			fmt.Fprintf(cmd.OutOrStdout(), "%d is even\n", resp.Number)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%d is odd\n", resp.Number)
		}
		return nil
	},
}

// --- Watch ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream log entries and backend status changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		lp := &logPrinter{out: cmd.OutOrStdout()}
		client.OnEvent(lp.handle)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var s core.State
		if err := client.Call(ctx, uds.MethodGetState, nil, &s); err != nil {
			return err
		}
		lp.prime(s.Log)

		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("daemon closed the connection")
		}
	},
}

// logPrinter writes the current log followed by streamed entries. Events that
// arrive before the snapshot is printed are held back, and entries already in
// the snapshot are skipped.
type logPrinter struct {
	out io.Writer

	mu      sync.Mutex
	primed  bool
	lastSeq uint64
	pending []uds.Message
}

func (p *logPrinter) handle(msg uds.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.primed {
		p.pending = append(p.pending, msg)
		return
	}
	p.printLocked(msg)
}

// prime prints the snapshot, then whatever arrived while it was fetched.
func (p *logPrinter) prime(snapshot []core.LogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range snapshot {
		fmt.Fprintln(p.out, formatEntry(e))
		p.lastSeq = max(p.lastSeq, e.Seq)
	}
	for _, msg := range p.pending {
		p.printLocked(msg)
	}
	p.pending = nil
	p.primed = true
}

func (p *logPrinter) printLocked(msg uds.Message) {
	switch msg.Method {
	case uds.EventLogEntry:
		var e core.LogEntry
		if err := msg.UnmarshalData(&e); err != nil || e.Seq <= p.lastSeq {
			return
		}
		p.lastSeq = e.Seq
		fmt.Fprintln(p.out, formatEntry(e))
	case uds.EventBackendStatus:
		var evt uds.BackendStatusEvent
		if err := msg.UnmarshalData(&evt); err == nil && evt.Error != "" {
			fmt.Fprintf(p.out, "backend %s: %s\n", evt.Status, evt.Error)
		}
	}
}

func formatEntry(e core.LogEntry) string {
	ts := time.UnixMilli(e.TsUnixMs).Format("15:04:05.000")
	return fmt.Sprintf("%s %-8s %s", ts, e.Kind, e.Message)
}

// --- History ---

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent load runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var runs []storage.Run
		if err := call(5*time.Second, uds.MethodListRuns, uds.ListRunsRequest{Limit: historyLimit}, &runs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if historyJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "no runs")
			return nil
		}
		fmt.Fprintf(out, "%-8s %-19s %-10s %-5s %-9s %-8s %-8s %s\n",
			"RUN", "STARTED", "DURATION", "N", "INTERVAL", "REQS", "OK", "FAILED")
		for _, r := range runs {
			duration := "running"
			if d := r.Duration(); d > 0 {
				duration = d.Round(time.Second).String()
			}
			fmt.Fprintf(out, "%-8s %-19s %-10s %-5d %-9s %-8d %-8d %d\n",
				shortID(r.ID), r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration,
				r.FibN, strconv.FormatInt(r.IntervalMs, 10)+"ms", r.Requests, r.Responses, r.Errors)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output as JSON")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- Daemon ---

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start daemon in foreground (for debugging)",
	Long:  "Normally the TUI auto-spawns the daemon. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		args := []string{"--socket", socketPath}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		cmd := exec.Command("kubeloadd", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install kubeloadd as a systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Install(configPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "kubeloadd.service installed and started")
		return nil
	},
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the kubeloadd systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "kubeloadd.service removed")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon socket and service state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(socketPath))
	},
}

func init() {
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage kubeload.yaml",
}

var (
	configInitURL    string
	configInitOutput string
)

var configInitCmd = &cobra.Command{
	Use:   "init [preset]",
	Short: "Generate a kubeload.yaml",
	Long:  "Available presets: " + strings.Join(presets.Names(), ", ") + " (default interval)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "interval"
		if len(args) > 0 {
			name = args[0]
		}
		c, err := presets.Generate(name, configInitURL)
		if err != nil {
			return err
		}
		if err := config.Save(c, configInitOutput); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %s (preset %s, backend %s)\n", configInitOutput, name, c.Backend.URL)
		return nil
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitURL, "url", "", "backend base URL")
	configInitCmd.Flags().StringVar(&configInitOutput, "output", config.DefaultPath, "output file path")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a kubeload.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath
		if configPath != "" {
			path = configPath
		}
		if len(args) > 0 {
			path = args[0]
		}

		c, err := config.ReadFile(path)
		if err != nil {
			return err
		}

		errs := config.Validate(c)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (backend %s)\n", path, c.Backend.URL)
			return nil
		}

		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s: %d error(s)", path, len(errs))
	},
}
