// Package cli implements the apex command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/daemon"
	"github.com/randalmurphal/apex/internal/health"
	"github.com/randalmurphal/apex/internal/proc"
	"github.com/randalmurphal/apex/internal/sched"
)

// stopWait is how long `daemon stop` waits for a graceful exit before
// force-killing.
const stopWait = 15 * time.Second

// newDaemonCmd creates the daemon command group
func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the apex daemon",
	}
	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		Long: `Run the apex daemon in the foreground.

The daemon polls for pending tasks, dispatches them up to the current
mode's concurrency limit, and pauses dispatch when the daily budget or
capacity threshold is hit. Use a service manager (systemd, launchd) to
keep it running in the background.

Exit codes:
  0  clean shutdown
  2  another daemon already owns this project
  3  permission denied
  4  store lock failed
  5  startup failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			err = superviseDaemon(cmd.Context(), cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				os.Exit(daemon.ExitCode(err))
			}
			return nil
		},
	}
}

// superviseDaemon runs the daemon loop under the watchdog: a crash inside
// the loop is restarted with backoff until the restart budget is spent.
// Startup errors (PID conflict, bad store) are never retried.
func superviseDaemon(ctx context.Context, cfg *config.Config) error {
	monitor := health.NewMonitor(health.WithMaxHistory(cfg.Watchdog.MaxHistory))
	watchdog := health.NewWatchdog(cfg.Watchdog, monitor, nil)

	for {
		err, crashed := runDaemonOnce(ctx, cfg, monitor)
		if err == nil {
			return nil
		}
		if !crashed {
			return err
		}

		code := 1
		ok, delay := watchdog.ShouldRestart(err.Error(), &code)
		if !ok {
			return fmt.Errorf("daemon crashed and will not be restarted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runDaemonOnce builds the full service graph and runs one daemon lifetime.
// crashed reports whether the error came from a panic inside the loop, i.e.
// whether a restart is worth attempting.
func runDaemonOnce(ctx context.Context, cfg *config.Config, monitor *health.Monitor) (err error, crashed bool) {
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err, false
	}

	scheduler := sched.New(cfg.Budget)
	runner := daemon.New(cfg, rt.store, rt.accounter, scheduler, rt.orch, monitor, rt.publisher,
		daemon.WithLogger(rt.logger))

	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("daemon panicked", "panic", r)
			rt.close()
			err = fmt.Errorf("daemon panic: %v", r)
			crashed = true
		}
	}()

	// On a clean run the runner owns store and orchestrator shutdown; a
	// startup error returns before that handover.
	err = runner.Start(ctx)
	if err != nil {
		rt.close()
	}
	return err, false
}

func newDaemonStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pidPath := filepath.Join(cfg.ProjectPath, config.ApexDir, proc.PidFileName)
			pf, err := proc.ReadPidFile(pidPath)
			if err != nil {
				return err
			}
			if pf == nil || !proc.IsAlive(pf.Pid) {
				fmt.Println("Daemon is not running.")
				return nil
			}

			if force {
				if err := proc.ForceKill(pf.Pid); err != nil {
					return fmt.Errorf("kill daemon (pid %d): %w", pf.Pid, err)
				}
				fmt.Printf("Daemon (pid %d) killed.\n", pf.Pid)
				return nil
			}

			if err := proc.TerminateGracefully(pf.Pid); err != nil {
				return fmt.Errorf("signal daemon (pid %d): %w", pf.Pid, err)
			}

			deadline := time.Now().Add(stopWait)
			for time.Now().Before(deadline) {
				if !proc.IsAlive(pf.Pid) {
					fmt.Printf("Daemon (pid %d) stopped.\n", pf.Pid)
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}

			if err := proc.ForceKill(pf.Pid); err != nil {
				return fmt.Errorf("daemon did not stop in %s and force-kill failed: %w", stopWait, err)
			}
			fmt.Printf("Daemon (pid %d) did not stop gracefully; killed.\n", pf.Pid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "kill immediately instead of shutting down gracefully")
	return cmd
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			apexDir := filepath.Join(cfg.ProjectPath, config.ApexDir)
			pf, err := proc.ReadPidFile(filepath.Join(apexDir, proc.PidFileName))
			if err != nil {
				return err
			}
			running := pf != nil && proc.IsAlive(pf.Pid)

			st, err := proc.ReadStateFile(filepath.Join(apexDir, proc.StateFileName))
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"running": running,
					"pid":     pidOf(pf),
					"state":   st,
				})
			}

			if !running {
				fmt.Println("Daemon is not running.")
				if st != nil && !st.IsStale(time.Now()) {
					fmt.Println("Warning: a recent state file exists; the daemon may have just crashed.")
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Running\ttrue (pid %d)\n", pf.Pid)
			fmt.Fprintf(w, "Started\t%s\n", pf.StartedAt.Format(time.RFC3339))
			if pf.Version != "" {
				fmt.Fprintf(w, "Version\t%s\n", pf.Version)
			}
			if st != nil {
				if st.IsStale(time.Now()) {
					fmt.Fprintf(w, "State\tstale (last written %s)\n", st.Timestamp.Format(time.RFC3339))
				} else {
					fmt.Fprintf(w, "Mode\t%s\n", st.Capacity.Mode)
					fmt.Fprintf(w, "Budget used\t%.1f%% (threshold %.0f%%)\n",
						st.Capacity.UsagePercent, st.Capacity.Threshold*100)
					if st.Capacity.IsAutoPaused {
						fmt.Fprintf(w, "Dispatch\tpaused: %s\n", st.Capacity.PauseReason)
					} else {
						fmt.Fprintf(w, "Dispatch\trunning\n")
					}
					fmt.Fprintf(w, "Health checks\t%d passed, %d failed\n",
						st.Health.HealthChecksPassed, st.Health.HealthChecksFailed)
					for status, n := range st.Health.TaskCounts {
						fmt.Fprintf(w, "Tasks %s\t%d\n", status, n)
					}
				}
			}
			return w.Flush()
		},
	}
}

func pidOf(pf *proc.PidFile) int {
	if pf == nil {
		return 0
	}
	return pf.Pid
}
