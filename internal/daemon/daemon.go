// Package daemon runs the long-lived poll loop that dispatches tasks.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/db"
	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/events"
	"github.com/randalmurphal/apex/internal/health"
	"github.com/randalmurphal/apex/internal/orchestrator"
	"github.com/randalmurphal/apex/internal/proc"
	"github.com/randalmurphal/apex/internal/sched"
	"github.com/randalmurphal/apex/internal/task"
	"github.com/randalmurphal/apex/internal/usage"
)

// LogFileName is the daemon log inside the .apex directory.
const LogFileName = "daemon.log"

// Version is stamped into the PID file; overridden at build time.
var Version = "dev"

// Metrics is the runner's observable state.
type Metrics struct {
	Ticks           uint64 `json:"ticks"`
	TasksDispatched uint64 `json:"tasks_dispatched"`
	TasksAutoResume uint64 `json:"tasks_auto_resumed"`
	ActiveTasks     int    `json:"active_tasks"`
	Paused          bool   `json:"paused"`
	PauseReason     string `json:"pause_reason,omitempty"`
}

// Runner owns the daemon poll loop.
type Runner struct {
	cfg       *config.Config
	store     *db.DB
	accounter *usage.Accounter
	scheduler *sched.Scheduler
	orch      *orchestrator.Orchestrator
	monitor   *health.Monitor
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	apexDir string
	logFile *os.File
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu             sync.Mutex
	inFlight       map[string]bool
	paused         bool
	pauseReason    string
	metrics        Metrics
	nextReset      time.Time
	lastStateWrite time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wake     chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New wires a Runner. The store and orchestrator must already be initialized;
// the Runner owns their shutdown.
func New(
	cfg *config.Config,
	store *db.DB,
	accounter *usage.Accounter,
	scheduler *sched.Scheduler,
	orch *orchestrator.Orchestrator,
	monitor *health.Monitor,
	publisher events.Publisher,
	opts ...Option,
) *Runner {
	r := &Runner{
		cfg:       cfg,
		store:     store,
		accounter: accounter,
		scheduler: scheduler,
		orch:      orch,
		monitor:   monitor,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
		apexDir:   filepath.Join(cfg.ProjectPath, config.ApexDir),
		inFlight:  make(map[string]bool),
		stopCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = semaphore.NewWeighted(int64(r.hardConcurrencyCap()))
	return r
}

// hardConcurrencyCap is the largest per-mode concurrency limit; the
// semaphore bound never changes, the per-mode limit is checked each tick.
func (r *Runner) hardConcurrencyCap() int {
	cap := 1
	for _, l := range []config.ModeLimits{r.cfg.Budget.Day, r.cfg.Budget.Night, r.cfg.Budget.OffHours} {
		if l.MaxConcurrentTasks > cap {
			cap = l.MaxConcurrentTasks
		}
	}
	return cap
}

func (r *Runner) pidPath() string   { return filepath.Join(r.apexDir, proc.PidFileName) }
func (r *Runner) statePath() string { return filepath.Join(r.apexDir, proc.StateFileName) }
func (r *Runner) logPath() string   { return filepath.Join(r.apexDir, LogFileName) }

// Start acquires the PID file and runs the poll loop until Stop, a signal,
// or context cancellation. It returns only after shutdown cleanup.
func (r *Runner) Start(ctx context.Context) error {
	if err := proc.AcquirePidFile(r.pidPath(), &proc.PidFile{
		Pid:         os.Getpid(),
		StartedAt:   r.now(),
		Version:     Version,
		ProjectPath: r.cfg.ProjectPath,
	}); err != nil {
		return err
	}

	f, err := os.OpenFile(r.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		// No PID file may be left behind when startup aborts.
		_ = proc.RemovePidFile(r.pidPath())
		return &apexerrors.Error{
			Code:  apexerrors.CodeStartFailed,
			What:  "could not open daemon log",
			Why:   fmt.Sprintf("Opening %s failed", r.logPath()),
			Cause: err,
		}
	}
	r.logFile = f
	r.logLine("daemon started (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			r.logLine("received %s, shutting down", sig)
			r.Stop()
		case <-r.stopCh:
		}
	}()

	// Wake the loop when a task is created so new work does not wait a
	// full poll period.
	evCh := r.publisher.Subscribe(events.GlobalTaskID)
	defer r.publisher.Unsubscribe(events.GlobalTaskID, evCh)
	go func() {
		for e := range evCh {
			if e.Type == events.EventTaskCreated {
				select {
				case r.wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()

	r.nextReset = usage.NextMidnight(r.now())

	interval := config.ClampPollInterval(r.cfg.Daemon.PollInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		r.tick(dispatchCtx)
		select {
		case <-ctx.Done():
			break loop
		case <-r.stopCh:
			break loop
		case <-ticker.C:
		case <-r.wake:
		}
	}

	r.shutdown(cancelDispatch)
	return nil
}

// Stop requests a graceful shutdown. Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// GetMetrics returns a copy of the runner metrics.
func (r *Runner) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.ActiveTasks = len(r.inFlight)
	m.Paused = r.paused
	m.PauseReason = r.pauseReason
	return m
}

// tick runs one poll iteration. Task-level errors are logged, never raised:
// nothing a task does may bring the daemon down.
func (r *Runner) tick(dispatchCtx context.Context) {
	ctx := context.Background()
	now := r.now()

	r.mu.Lock()
	r.metrics.Ticks++
	r.mu.Unlock()

	if _, err := r.store.GetLastActivityTime(ctx); err != nil {
		r.monitor.PerformHealthCheck(false)
		r.logger.Error("store health check failed", "error", err)
	} else {
		r.monitor.PerformHealthCheck(true)
	}

	if !now.Before(r.nextReset) {
		r.accounter.ResetDailyStats()
		r.nextReset = usage.NextMidnight(now)
		r.logLine("daily usage stats reset")
	}

	snap := r.accounter.GetCurrentUsage()
	decision := r.scheduler.ShouldPauseTasks(snap)
	r.applyPauseEdge(decision)

	if !r.isPaused() {
		r.autoResume(ctx)
		r.dispatch(ctx, dispatchCtx)
	}

	r.writeState(now, snap)
}

// applyPauseEdge emits daemon:paused / daemon:resumed exactly once per edge.
func (r *Runner) applyPauseEdge(decision sched.Decision) {
	r.mu.Lock()
	wasPaused := r.paused
	r.paused = decision.ShouldPause
	r.pauseReason = decision.Reason
	r.mu.Unlock()

	switch {
	case decision.ShouldPause && !wasPaused:
		r.publisher.Publish(events.NewEvent(events.EventDaemonPaused, "",
			events.PauseData{Reason: decision.Reason}))
		r.logLine("dispatch paused: %s", decision.Reason)
	case !decision.ShouldPause && wasPaused:
		r.publisher.Publish(events.NewEvent(events.EventDaemonResumed, "", nil))
		r.logLine("dispatch resumed")
	}
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// autoResume re-enqueues paused tasks whose pause reason is auto-resumable,
// so the dispatch pass can pick them up.
func (r *Runner) autoResume(ctx context.Context) {
	tasks, err := r.store.GetPausedTasksForResume(ctx)
	if err != nil {
		r.logger.Error("auto-resume scan failed", "error", err)
		return
	}
	now := r.now()
	for _, t := range tasks {
		if t.ResumeAfter != nil && now.Before(*t.ResumeAfter) {
			continue
		}
		if _, err := r.store.UpdateTaskStatus(ctx, t.ID, task.StatusPending, ""); err != nil {
			r.logger.Warn("auto-resume re-enqueue failed", "task", t.ID, "error", err)
			continue
		}
		r.mu.Lock()
		r.metrics.TasksAutoResume++
		r.mu.Unlock()
		r.logLine("auto-resumed task %s (was paused: %s)", t.ID, t.PauseReason)
	}
}

// dispatch pops admissible tasks and runs them concurrently up to the
// current mode's limit.
func (r *Runner) dispatch(ctx context.Context, dispatchCtx context.Context) {
	limit := r.accounter.GetBaseLimits().MaxConcurrentTasks
	if limit <= 0 {
		limit = 1
	}

	for {
		r.mu.Lock()
		active := len(r.inFlight)
		r.mu.Unlock()
		if active >= limit {
			return
		}

		t, err := r.store.GetNextQueuedTask(ctx)
		if err != nil {
			r.logger.Error("queue read failed", "error", err)
			return
		}
		if t == nil {
			return
		}

		if allowed, reason := r.accounter.CanStartTask(0); !allowed {
			r.logger.Info("task admission denied", "task", t.ID, "reason", reason)
			return
		}
		if !r.sem.TryAcquire(1) {
			return
		}

		r.mu.Lock()
		if r.inFlight[t.ID] {
			r.mu.Unlock()
			r.sem.Release(1)
			return
		}
		r.inFlight[t.ID] = true
		r.metrics.TasksDispatched++
		r.mu.Unlock()

		r.wg.Add(1)
		go r.runTask(dispatchCtx, t.ID)
	}
}

// runTask executes or resumes one task; errors are logged only.
func (r *Runner) runTask(ctx context.Context, taskID string) {
	defer r.wg.Done()
	defer r.sem.Release(1)
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, taskID)
		r.mu.Unlock()
	}()

	// A task with a resumable checkpoint continues where it left off.
	var err error
	ckpt, cerr := r.store.GetLatestCheckpoint(ctx, taskID)
	if cerr == nil && ckpt != nil && ckpt.Metadata.PauseReason != "" {
		err = r.orch.ResumeTask(ctx, taskID, "")
	} else {
		err = r.orch.ExecuteTask(ctx, taskID)
	}
	if err != nil {
		r.logLine("task %s ended with error: %v", taskID, err)
	} else {
		r.logLine("task %s completed", taskID)
	}
}

// writeState rewrites the state file, throttled by StateWriteInterval.
func (r *Runner) writeState(now time.Time, snap usage.Snapshot) {
	r.mu.Lock()
	if r.cfg.Daemon.StateWriteInterval > 0 &&
		now.Sub(r.lastStateWrite) < r.cfg.Daemon.StateWriteInterval {
		r.mu.Unlock()
		return
	}
	r.lastStateWrite = now
	paused, reason := r.paused, r.pauseReason
	r.mu.Unlock()

	counts := r.taskCounts()
	st := &proc.State{
		Timestamp: now,
		Pid:       os.Getpid(),
		StartedAt: r.monitor.StartedAt(),
		Capacity: proc.CapacityState{
			Mode:             snap.Mode,
			Threshold:        snap.Limits.CapacityThreshold,
			UsagePercent:     snap.UsagePercent,
			IsAutoPaused:     paused,
			PauseReason:      reason,
			NextModeSwitch:   snap.NextModeSwitch,
			TimeBasedEnabled: r.cfg.Budget.TimeBasedEnabled,
		},
		Health: r.monitor.GetHealthReport(counts),
	}
	if err := proc.WriteStateFile(r.statePath(), st); err != nil {
		r.logger.Warn("state file write failed", "error", err)
	}
}

func (r *Runner) taskCounts() map[string]int {
	all, err := r.store.GetAllTasks(context.Background())
	if err != nil {
		return nil
	}
	counts := make(map[string]int)
	for _, t := range all {
		counts[string(t.Status)]++
	}
	return counts
}

// shutdown cancels in-flight work, waits for checkpointing, and releases
// resources. Cleanup errors are logged and swallowed; shutdown always
// finishes.
func (r *Runner) shutdown(cancelDispatch context.CancelFunc) {
	r.logLine("shutting down")
	cancelDispatch()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	timeout := r.cfg.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		r.mu.Lock()
		stuck := len(r.inFlight)
		r.mu.Unlock()
		r.logLine("shutdown timeout: %d tasks did not checkpoint in time", stuck)
	}

	r.orch.Close()
	if err := r.store.Close(); err != nil {
		r.logLine("store close failed: %v", err)
	}
	if err := proc.RemovePidFile(r.pidPath()); err != nil {
		r.logLine("pid file removal failed: %v", err)
	}
	r.logLine("daemon stopped")
	if r.logFile != nil {
		_ = r.logFile.Close()
	}
}

// logLine appends one timestamped record to daemon.log and mirrors it to the
// structured logger.
func (r *Runner) logLine(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.logger.Info(msg)
	if r.logFile == nil {
		return
	}
	stamp := r.now().UTC().Format("2006-01-02T15:04:05Z07:00")
	if _, err := fmt.Fprintf(r.logFile, "[%s] %s\n", stamp, msg); err != nil {
		r.logger.Warn("daemon log write failed", "error", err)
	}
}

// ExitCode maps a startup error to the daemon process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case apexerrors.HasCode(err, apexerrors.CodeAlreadyRunning):
		return 2
	case apexerrors.HasCode(err, apexerrors.CodePermissionDenied):
		return 3
	case apexerrors.HasCode(err, apexerrors.CodeLockFailed):
		return 4
	case apexerrors.HasCode(err, apexerrors.CodeStartFailed):
		return 5
	default:
		return 1
	}
}
