package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/apex/internal/agent"
	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/db"
	"github.com/randalmurphal/apex/internal/engine"
	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/events"
	"github.com/randalmurphal/apex/internal/git"
	"github.com/randalmurphal/apex/internal/hooks"
	"github.com/randalmurphal/apex/internal/task"
	"github.com/randalmurphal/apex/internal/usage"
	"github.com/randalmurphal/apex/internal/workflow"
	"github.com/randalmurphal/apex/internal/workspace"
)

type fakeRunner struct {
	fails map[string]string
}

func (f *fakeRunner) Run(workDir, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")
	for prefix, msg := range f.fails {
		if strings.HasPrefix(key, prefix) {
			return msg, fmt.Errorf("%s: exit 1", msg)
		}
	}
	return "", nil
}

type fakeProvider struct {
	calls int
}

func (f *fakeProvider) Execute(_ context.Context, req agent.Request, cb agent.Callbacks) (agent.Result, error) {
	f.calls++
	return agent.Result{Output: "ok", Conversation: []byte("c")}, nil
}

type fixture struct {
	orch      *Orchestrator
	store     *db.DB
	provider  *fakeProvider
	events    <-chan events.Event
	project   string
	workspace config.WorkspaceConfig
}

func newFixture(t *testing.T, runner *fakeRunner, wsCfg config.WorkspaceConfig) *fixture {
	t.Helper()

	project := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(project, 0o755))

	cfg := config.Default()
	cfg.ProjectPath = project
	cfg.Workspace = wsCfg
	cfg.Engine.SessionTokenLimit = 200_000

	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	ch := pub.Subscribe(events.GlobalTaskID)

	g := git.New(project, git.WithRunner(runner))
	ws := workspace.New(project, cfg.Workspace, g, pub, workspace.WithRunner(runner))

	gw, err := hooks.NewGateway(nil)
	require.NoError(t, err)

	provider := &fakeProvider{}
	acc := usage.New(cfg.Budget)
	eng := engine.New(store, acc, pub, gw, workflow.NewRegistry(), agent.NewRegistry(), provider, cfg.Engine)

	orch := New(cfg, store, eng, ws, pub)
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, store: store, provider: provider, events: ch, project: project, workspace: wsCfg}
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

func hasEvent(evts []events.Event, typ events.EventType, taskID string) bool {
	for _, e := range evts {
		if e.Type == typ && (taskID == "" || e.TaskID == taskID) {
			return true
		}
	}
	return false
}

func TestCreateTaskDefaultsAndEvent(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})

	created, err := f.orch.CreateTask(context.Background(), &task.Task{Description: "do the thing"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, f.project, created.ProjectPath)
	assert.Equal(t, "apex/"+created.ID, created.BranchName)
	assert.Equal(t, task.DefaultMaxResumeAttempts, created.MaxResumeAttempts)
	require.NotNil(t, created.Workspace)
	assert.Equal(t, task.WorkspaceNone, created.Workspace.Strategy)

	assert.True(t, hasEvent(drain(f.events), events.EventTaskCreated, created.ID))
}

func TestCreateTaskWorktreeFailureFallsBackToNone(t *testing.T) {
	runner := &fakeRunner{fails: map[string]string{"git worktree add": "fatal: not a git repository"}}
	f := newFixture(t, runner, config.WorkspaceConfig{Strategy: "worktree"})

	created, err := f.orch.CreateTask(context.Background(), &task.Task{Description: "x"})
	require.NoError(t, err)
	require.NotNil(t, created.Workspace)
	assert.Equal(t, task.WorkspaceNone, created.Workspace.Strategy)
}

func TestCreateTaskDependencyValidation(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, &task.Task{ID: "a", Description: "a"})
	require.NoError(t, err)

	// unknown dependency
	_, err = f.orch.CreateTask(ctx, &task.Task{ID: "b", Description: "b", DependsOn: []string{"ghost"}})
	require.Error(t, err)

	// cycle: a <- b <- a
	_, err = f.orch.CreateTask(ctx, &task.Task{ID: "c", Description: "c", DependsOn: []string{"a"}})
	require.NoError(t, err)

	a, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	a.DependsOn = []string{"c"}
	require.NoError(t, f.store.UpdateTask(ctx, a))

	_, err = f.orch.CreateTask(ctx, &task.Task{ID: "d", Description: "d", DependsOn: []string{"d"}})
	require.Error(t, err)
}

func TestCreateTaskCycleRejected(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, &task.Task{ID: "a", Description: "a"})
	require.NoError(t, err)

	a, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	a.DependsOn = []string{"b"}
	require.NoError(t, f.store.UpdateTask(ctx, a))

	_, err = f.orch.CreateTask(ctx, &task.Task{ID: "b", Description: "b", DependsOn: []string{"a"}})
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeIllegalState))
}

func TestSubtaskInheritsProjectPath(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	parent, err := f.orch.CreateTask(ctx, &task.Task{ID: "parent", Description: "p"})
	require.NoError(t, err)

	sub, err := f.orch.CreateTask(ctx, &task.Task{
		ID: "sub", Description: "s", ParentTaskID: "parent", ProjectPath: "/somewhere/else",
	})
	require.NoError(t, err)
	assert.Equal(t, parent.ProjectPath, sub.ProjectPath)

	got, err := f.store.GetTask(ctx, "parent")
	require.NoError(t, err)
	assert.Contains(t, got.SubtaskIDs, "sub")
}

func TestCompleteTaskParentGuard(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, &task.Task{ID: "parent", Description: "p"})
	require.NoError(t, err)
	_, err = f.orch.CreateTask(ctx, &task.Task{ID: "sub", Description: "s", ParentTaskID: "parent"})
	require.NoError(t, err)

	_, err = f.store.UpdateTaskStatus(ctx, "parent", task.StatusInProgress, "")
	require.NoError(t, err)

	err = f.orch.CompleteTask(ctx, "parent")
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeIllegalState))

	// terminal subtask unblocks the parent
	_, err = f.store.UpdateTaskStatus(ctx, "sub", task.StatusCancelled, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.CompleteTask(ctx, "parent"))

	got, err := f.store.GetTask(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestExecuteTaskCompletes(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	created, err := f.orch.CreateTask(ctx, &task.Task{Description: "x", Workflow: "quick"})
	require.NoError(t, err)

	require.NoError(t, f.orch.ExecuteTask(ctx, created.ID))
	assert.Equal(t, 1, f.provider.calls)

	got, err := f.store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Empty(t, f.orch.RunningTasks())
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	created, err := f.orch.CreateTask(ctx, &task.Task{Description: "x"})
	require.NoError(t, err)
	require.NoError(t, f.orch.CancelTask(ctx, created.ID))

	got, err := f.store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestTrashRemovesWorkspaceImmediately(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "worktree"})
	ctx := context.Background()

	created, err := f.orch.CreateTask(ctx, &task.Task{Description: "x"})
	require.NoError(t, err)
	require.Equal(t, task.WorkspaceWorktree, created.Workspace.Strategy)

	require.NoError(t, f.orch.TrashTask(ctx, created.ID))

	trashed, err := f.store.ListTrashed(ctx)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
}

func TestThoughtCaptureAndPromote(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	th, err := f.orch.CaptureThought(ctx, "cache the config parse", []string{"perf"})
	require.NoError(t, err)

	// mirrored to thoughts.json
	data, err := os.ReadFile(filepath.Join(f.project, config.ApexDir, "thoughts.json"))
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "cache the config parse", records[0]["content"])

	found, err := f.orch.SearchThoughts(ctx, "config")
	require.NoError(t, err)
	require.Len(t, found, 1)

	promoted, err := f.orch.PromoteThought(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, "cache the config parse", promoted.Description)

	// a second promotion fails
	_, err = f.orch.PromoteThought(ctx, th.ID)
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeIllegalState))
}

func TestDuplicateTaskRejected(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, config.WorkspaceConfig{Strategy: "none"})
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, &task.Task{ID: "same", Description: "x"})
	require.NoError(t, err)
	_, err = f.orch.CreateTask(ctx, &task.Task{ID: "same", Description: "y"})
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeDuplicate))
}
