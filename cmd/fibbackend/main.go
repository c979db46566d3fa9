package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imakube/kubeload/internal/buildinfo"
	"github.com/imakube/kubeload/pkg/demobackend"
)

var (
	addr     string
	maxN     int
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "fibbackend",
	Short:        "Demo backend serving CPU-bound Fibonacci computations",
	Long:         "fibbackend serves /api/generate-load, /api/crash-backend, /api/healthz, /iseven and /metrics.",
	Version:      buildinfo.Version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (default from PORT, else :8080)")
	rootCmd.Flags().IntVar(&maxN, "max-n", 45, "largest Fibonacci argument accepted")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// listenAddr resolves the listen address. A bare port number gets a ":" prefix.
func listenAddr(flag, port string) string {
	if flag != "" {
		port = flag
	}
	if port == "" {
		return ":8080"
	}
	if !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

func run(_ *cobra.Command, _ []string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	srv := &http.Server{
		Addr:              listenAddr(addr, os.Getenv("PORT")),
		Handler:           demobackend.New(demobackend.Options{MaxN: maxN, Logger: logger}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fibbackend listening", "addr", srv.Addr, "version", buildinfo.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
