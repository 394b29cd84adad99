package health

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/apex/internal/config"
)

// Watchdog decides whether a crashed daemon may be restarted. Too many
// restarts inside the configured window put it into a terminal crash-looping
// state.
type Watchdog struct {
	cfg          config.WatchdogConfig
	monitor      *Monitor
	crashLooping bool
	logger       *slog.Logger
}

// NewWatchdog creates a Watchdog sharing the monitor's restart history.
func NewWatchdog(cfg config.WatchdogConfig, monitor *Monitor, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{cfg: cfg, monitor: monitor, logger: logger}
}

// CrashLooping reports whether the watchdog has given up restarting.
func (w *Watchdog) CrashLooping() bool {
	return w.crashLooping
}

// ShouldRestart is called after a daemon exit. It records the restart and
// returns (restart allowed, delay before restarting). Once the restart count
// inside the window exceeds maxRestarts, the watchdog goes terminal.
func (w *Watchdog) ShouldRestart(reason string, exitCode *int) (bool, time.Duration) {
	if !w.cfg.Enabled || w.crashLooping {
		return false, 0
	}

	w.monitor.RecordRestart(RestartRecord{
		Reason:              reason,
		ExitCode:            exitCode,
		TriggeredByWatchdog: true,
	})

	cutoff := w.monitor.now().Add(-w.cfg.RestartWindow)
	if n := w.monitor.RestartsSince(cutoff); n > w.cfg.MaxRestarts {
		w.crashLooping = true
		w.logger.Error("daemon is crash-looping; giving up",
			"restarts", n,
			"window", w.cfg.RestartWindow,
			"max_restarts", w.cfg.MaxRestarts)
		return false, 0
	}

	return true, w.cfg.RestartDelay
}
