package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/db"
	"github.com/randalmurphal/apex/internal/task"
)

// withProject points the CLI at a temp project for the duration of a test.
func withProject(t *testing.T) string {
	t.Helper()
	project := t.TempDir()
	projectFlag = project
	quiet = true
	t.Cleanup(func() {
		projectFlag = ""
		quiet = false
		jsonOut = false
	})
	return project
}

func runCmd(t *testing.T, cmd interface {
	SetArgs([]string)
	ExecuteContext(context.Context) error
}, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func openProjectStore(t *testing.T, project string) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(project, config.ApexDir, "apex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewCommandCreatesTask(t *testing.T) {
	project := withProject(t)

	require.NoError(t, runCmd(t, newNewCmd(), "fix the flaky login test", "--id", "t1", "--workflow", "quick"))

	store := openProjectStore(t, project)
	tk, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, "quick", tk.Workflow)
	assert.Equal(t, "apex/t1", tk.BranchName)
}

func TestNewCommandRejectsBadPriority(t *testing.T) {
	withProject(t)
	err := runCmd(t, newNewCmd(), "x", "--priority", "asap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid priority")
}

func TestCancelCommand(t *testing.T) {
	project := withProject(t)
	require.NoError(t, runCmd(t, newNewCmd(), "doomed", "--id", "t1"))

	require.NoError(t, runCmd(t, newCancelCmd(), "t1"))

	store := openProjectStore(t, project)
	tk, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, tk.Status)
}

func TestResumeCommandRequiresPausedTask(t *testing.T) {
	withProject(t)
	require.NoError(t, runCmd(t, newNewCmd(), "still pending", "--id", "t1"))

	err := runCmd(t, newResumeCmd(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not paused")
}

func TestResumeCommandReenqueues(t *testing.T) {
	project := withProject(t)
	require.NoError(t, runCmd(t, newNewCmd(), "pausable", "--id", "t1"))

	store := openProjectStore(t, project)
	ctx := context.Background()
	_, err := store.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.NoError(t, err)
	_, err = store.PauseTask(ctx, "t1", task.PauseManual, nil)
	require.NoError(t, err)

	require.NoError(t, runCmd(t, newResumeCmd(), "t1"))

	tk, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
}

func TestTrashCommands(t *testing.T) {
	project := withProject(t)
	require.NoError(t, runCmd(t, newNewCmd(), "rubbish", "--id", "t1"))

	trash := newTrashCmd()
	require.NoError(t, runCmd(t, trash, "put", "t1"))

	store := openProjectStore(t, project)
	trashed, err := store.ListTrashed(context.Background())
	require.NoError(t, err)
	require.Len(t, trashed, 1)

	require.NoError(t, runCmd(t, newTrashCmd(), "empty"))
	trashed, err = store.ListTrashed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trashed)
}

func TestThoughtsAddAndPromote(t *testing.T) {
	project := withProject(t)

	require.NoError(t, runCmd(t, newThoughtsCmd(), "add", "cache config parsing", "--tag", "perf"))

	store := openProjectStore(t, project)
	thoughts, err := store.ListThoughts(context.Background())
	require.NoError(t, err)
	require.Len(t, thoughts, 1)

	require.NoError(t, runCmd(t, newThoughtsCmd(), "promote", thoughts[0].ID))

	th, err := store.GetThought(context.Background(), thoughts[0].ID)
	require.NoError(t, err)
	assert.True(t, th.Implemented)
	assert.NotEmpty(t, th.TaskID)
}

func TestListCommandRuns(t *testing.T) {
	withProject(t)
	require.NoError(t, runCmd(t, newNewCmd(), "first", "--id", "t1"))
	require.NoError(t, runCmd(t, newListCmd()))
	require.NoError(t, runCmd(t, newListCmd(), "--status", "pending"))
	err := runCmd(t, newListCmd(), "--status", "bogus")
	require.Error(t, err)
}

func TestShowCommandUnknownTask(t *testing.T) {
	withProject(t)
	err := runCmd(t, newShowCmd(), "ghost")
	require.Error(t, err)
}

func TestOpenStoreRejectsUnknownDialect(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectPath = t.TempDir()
	cfg.Store.Dialect = "oracle"
	_, err := openStore(cfg)
	require.Error(t, err)
}

func TestOpenStorePostgresRequiresDSN(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectPath = t.TempDir()
	cfg.Store.Dialect = "postgres"
	_, err := openStore(cfg)
	require.Error(t, err)
}

func TestStatusIcon(t *testing.T) {
	assert.Equal(t, "✅", statusIcon(task.StatusCompleted))
	assert.Equal(t, "❌", statusIcon(task.StatusFailed))
	assert.Equal(t, "❓", statusIcon(task.Status("weird")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a ver...", truncate("a very long string", 8))
}
