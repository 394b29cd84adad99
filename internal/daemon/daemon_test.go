package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/apex/internal/agent"
	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/db"
	"github.com/randalmurphal/apex/internal/engine"
	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/events"
	"github.com/randalmurphal/apex/internal/git"
	"github.com/randalmurphal/apex/internal/health"
	"github.com/randalmurphal/apex/internal/hooks"
	"github.com/randalmurphal/apex/internal/orchestrator"
	"github.com/randalmurphal/apex/internal/proc"
	"github.com/randalmurphal/apex/internal/sched"
	"github.com/randalmurphal/apex/internal/task"
	"github.com/randalmurphal/apex/internal/usage"
	"github.com/randalmurphal/apex/internal/workflow"
	"github.com/randalmurphal/apex/internal/workspace"
)

type okRunner struct{}

func (okRunner) Run(workDir, name string, args ...string) (string, error) { return "", nil }

type fakeProvider struct{}

func (fakeProvider) Execute(_ context.Context, req agent.Request, cb agent.Callbacks) (agent.Result, error) {
	return agent.Result{Output: "ok", Conversation: []byte("c")}, nil
}

type fixture struct {
	runner *Runner
	store  *db.DB
	orch   *orchestrator.Orchestrator
	acc    *usage.Accounter
	events <-chan events.Event
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	project := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(project, 0o755))

	cfg := config.Default()
	cfg.ProjectPath = project
	cfg.Workspace.Strategy = "none"
	cfg.Daemon.StateWriteInterval = 0

	store, err := db.OpenInMemory()
	require.NoError(t, err)

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	ch := pub.Subscribe(events.GlobalTaskID)

	g := git.New(project, git.WithRunner(okRunner{}))
	ws := workspace.New(project, cfg.Workspace, g, pub, workspace.WithRunner(okRunner{}))

	gw, err := hooks.NewGateway(nil)
	require.NoError(t, err)

	acc := usage.New(cfg.Budget)
	eng := engine.New(store, acc, pub, gw, workflow.NewRegistry(), agent.NewRegistry(), fakeProvider{}, cfg.Engine)
	orch := orchestrator.New(cfg, store, eng, ws, pub)

	r := New(cfg, store, acc, sched.New(cfg.Budget), orch, health.NewMonitor(), pub)
	return &fixture{runner: r, store: store, orch: orch, acc: acc, events: ch, cfg: cfg}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countEvents(evts []events.Event, typ events.EventType) int {
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestPauseResumeEdgesAreSuppressed(t *testing.T) {
	f := newFixture(t)

	pauseDecision := sched.Decision{ShouldPause: true, Reason: "Daily budget exceeded"}
	runDecision := sched.Decision{ShouldPause: false}

	// Repeated identical decisions emit exactly one edge each.
	f.runner.applyPauseEdge(pauseDecision)
	f.runner.applyPauseEdge(pauseDecision)
	f.runner.applyPauseEdge(pauseDecision)
	f.runner.applyPauseEdge(runDecision)
	f.runner.applyPauseEdge(runDecision)

	evts := drain(f.events)
	assert.Equal(t, 1, countEvents(evts, events.EventDaemonPaused))
	assert.Equal(t, 1, countEvents(evts, events.EventDaemonResumed))

	m := f.runner.GetMetrics()
	assert.False(t, m.Paused)
}

func TestAutoResumeReenqueuesEligiblePausedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := func(id string, reason task.PauseReason, resumeAfter *time.Time) {
		tk := task.New(id, id)
		require.NoError(t, f.store.CreateTask(ctx, tk))
		_, err := f.store.UpdateTaskStatus(ctx, id, task.StatusInProgress, "")
		require.NoError(t, err)
		_, err = f.store.PauseTask(ctx, id, reason, resumeAfter)
		require.NoError(t, err)
	}

	later := time.Now().Add(time.Hour)
	seed("budget-paused", task.PauseBudget, nil)
	seed("manual-paused", task.PauseManual, nil)
	seed("not-yet", task.PauseCapacity, &later)

	f.runner.autoResume(ctx)

	get := func(id string) task.Status {
		tk, err := f.store.GetTask(ctx, id)
		require.NoError(t, err)
		return tk.Status
	}
	assert.Equal(t, task.StatusPending, get("budget-paused"))
	assert.Equal(t, task.StatusPaused, get("manual-paused"))
	assert.Equal(t, task.StatusPaused, get("not-yet"))
	assert.EqualValues(t, 1, f.runner.GetMetrics().TasksAutoResume)
}

func TestDispatchRunsQueuedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, &task.Task{ID: "t1", Description: "x", Workflow: "quick"})
	require.NoError(t, err)

	f.runner.dispatch(ctx, context.Background())

	require.Eventually(t, func() bool {
		tk, err := f.store.GetTask(ctx, "t1")
		return err == nil && tk.Status == task.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, f.runner.GetMetrics().TasksDispatched)
}

func TestDispatchSkipsWhenPausedByScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, &task.Task{ID: "t1", Description: "x", Workflow: "quick"})
	require.NoError(t, err)

	// Blow the daily budget so the scheduler pauses dispatch.
	f.acc.TrackTaskStart("burn", task.Usage{})
	f.acc.TrackTaskCompletion("burn", task.Usage{EstimatedCost: f.cfg.Budget.DailyBudgetUSD + 1}, true)

	// Keep the tick from treating this as a midnight rollover.
	f.runner.nextReset = usage.NextMidnight(time.Now())

	f.runner.tick(context.Background())

	tk, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.True(t, f.runner.GetMetrics().Paused)

	evts := drain(f.events)
	assert.Equal(t, 1, countEvents(evts, events.EventDaemonPaused))
	assert.Equal(t, 0, countEvents(evts, events.EventTaskStarted))
}

func TestTickWritesStateFile(t *testing.T) {
	f := newFixture(t)

	f.runner.tick(context.Background())

	st, err := proc.ReadStateFile(f.runner.statePath())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, os.Getpid(), st.Pid)
	assert.False(t, st.IsStale(time.Now()))
	assert.NotEmpty(t, st.Capacity.Mode)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.runner.Start(ctx) }()

	// Wait for the PID file to confirm startup.
	require.Eventually(t, func() bool {
		pf, err := proc.ReadPidFile(f.runner.pidPath())
		return err == nil && pf != nil && pf.Pid == os.Getpid()
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.orch.CreateTask(ctx, &task.Task{ID: "t1", Description: "x", Workflow: "quick"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, gerr := f.store.GetTask(ctx, "t1")
		return gerr == nil && tk != nil && tk.Status == task.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	f.runner.Stop()
	require.NoError(t, <-done)

	// Clean shutdown removes the PID file and leaves the log behind.
	pf, err := proc.ReadPidFile(f.runner.pidPath())
	require.NoError(t, err)
	assert.Nil(t, pf)

	data, err := os.ReadFile(f.runner.logPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "daemon started")
	assert.Contains(t, string(data), "daemon stopped")
}

func TestSecondDaemonRejected(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, proc.WritePidFile(f.runner.pidPath(), &proc.PidFile{
		Pid:         os.Getpid(), // this test process is definitely alive
		StartedAt:   time.Now(),
		ProjectPath: f.cfg.ProjectPath,
	}))

	err := f.runner.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeAlreadyRunning))
	assert.Equal(t, 2, ExitCode(err))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(apexerrors.ErrAlreadyRunning(1, "/p")))
	assert.Equal(t, 5, ExitCode(&apexerrors.Error{Code: apexerrors.CodeStartFailed, What: "x"}))
	assert.Equal(t, 1, ExitCode(assert.AnError))
}
