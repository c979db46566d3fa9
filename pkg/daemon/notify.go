package daemon

import (
	"context"
	"log/slog"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady tells systemd the daemon is serving. It is a no-op outside a
// Type=notify unit.
func NotifyReady(logger *slog.Logger) {
	sent, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady)
	if err != nil {
		logger.Warn("sd_notify ready", "err", err)
		return
	}
	if sent {
		logger.Debug("notified systemd")
	}
}

// NotifyStopping tells systemd the daemon is shutting down.
func NotifyStopping() {
	sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
}

// Watchdog pings the systemd watchdog at half its configured interval until
// ctx is cancelled. It returns immediately when no watchdog is configured.
func Watchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("watchdog config", "err", err)
		return
	}
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyWatchdog); err != nil {
				logger.Warn("watchdog ping", "err", err)
			}
		}
	}
}
