package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imakube/kubeload/internal/buildinfo"
	"github.com/imakube/kubeload/pkg/backend"
	"github.com/imakube/kubeload/pkg/config"
	"github.com/imakube/kubeload/pkg/daemon"
	"github.com/imakube/kubeload/pkg/storage"
)

var (
	configPath string
	socketPath string
	logLevel   string
	noHistory  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "kubeloadd",
	Short:        "kubeload control daemon",
	Long:         "kubeloadd owns the load generator, backend health poller and crash trigger, and serves them over a unix socket.",
	SilenceUsage: true,
	RunE:         run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kubeloadd %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to kubeload.yaml (default ./kubeload.yaml)")
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "socket path (overrides daemon.socket)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record runs in the history database")
	rootCmd.AddCommand(versionCmd)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func run(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("config validation", "err", e)
		}
		return errors.New("invalid configuration")
	}
	if socketPath != "" {
		cfg.Daemon.Socket = socketPath
	}
	if cfg.FilePath != "" {
		logger.Info("config loaded", "path", cfg.FilePath)
	}

	client, err := backend.New(cfg, nil)
	if err != nil {
		return err
	}

	var history daemon.History
	if !noHistory && cfg.Daemon.History != "" {
		store, err := storage.Open(cfg.Daemon.History)
		if err != nil {
			logger.Warn("run history disabled", "path", cfg.Daemon.History, "err", err)
		} else {
			defer store.Close()
			history = store
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := daemon.New(daemon.Options{
		SocketPath: cfg.Daemon.Socket,
		Backend:    client,
		History:    history,
		Settings:   cfg.Settings(),
		Version:    buildinfo.Version,
		Logger:     logger,
	})
	defer d.Shutdown()

	pollLoop := daemon.NewPollLoop(client, d, cfg.PollInterval(), cfg.PollTimeout(), logger)
	go pollLoop.Run(ctx)

	go func() {
		select {
		case <-d.Ready():
			daemon.NotifyReady(logger)
		case <-ctx.Done():
		}
	}()
	go daemon.Watchdog(ctx, logger)

	logger.Info("starting kubeloadd",
		"version", buildinfo.Version,
		"backend", client.BaseURL(),
		"endpoint", client.LoadEndpoint())
	err = d.Run(ctx)
	daemon.NotifyStopping()
	logger.Info("shutting down")
	return err
}
