package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/task"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newTask(id string) *task.Task {
	tk := task.New(id, "test task "+id)
	tk.Workflow = "default"
	tk.ProjectPath = "/tmp/project"
	return tk
}

func TestCreateAndGetTask(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	tk := newTask("t1")
	tk.AcceptanceCriteria = "it works"
	tk.DependsOn = []string{"t0"}
	tk.Workspace = &task.Workspace{
		Strategy: task.WorkspaceWorktree,
		Path:     "/tmp/.apex-worktrees/t1",
		Cleanup:  true,
	}

	require.NoError(t, d.CreateTask(ctx, tk))

	got, err := d.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "test task t1", got.Description)
	assert.Equal(t, "it works", got.AcceptanceCriteria)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, []string{"t0"}, got.DependsOn)
	require.NotNil(t, got.Workspace)
	assert.Equal(t, task.WorkspaceWorktree, got.Workspace.Strategy)
	assert.True(t, got.Workspace.Cleanup)
}

func TestGetTaskMissingReturnsNil(t *testing.T) {
	d := openTestDB(t)

	got, err := d.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateTaskDuplicate(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))
	err := d.CreateTask(ctx, newTask("t1"))
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeDuplicate))
}

func TestUpdateTaskNotFound(t *testing.T) {
	d := openTestDB(t)

	err := d.UpdateTask(context.Background(), newTask("ghost"))
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeNotFound))
}

func TestUpdateTaskAdvancesUpdatedAt(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	tk := newTask("t1")
	require.NoError(t, d.CreateTask(ctx, tk))
	first := tk.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	tk.Description = "changed"
	require.NoError(t, d.UpdateTask(ctx, tk))

	got, err := d.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Description)
	assert.True(t, got.UpdatedAt.After(first))
}

func TestUpdateTaskStatusTransitions(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))

	// pending -> completed is illegal
	_, err := d.UpdateTaskStatus(ctx, "t1", task.StatusCompleted, "")
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeIllegalState))

	// pending -> in-progress -> completed
	_, err = d.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.NoError(t, err)
	got, err := d.UpdateTaskStatus(ctx, "t1", task.StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// completed is terminal for execution
	_, err = d.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.Error(t, err)
}

func TestCompletionResetsResumeAttempts(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	tk := newTask("t1")
	tk.ResumeAttempts = 3
	require.NoError(t, d.CreateTask(ctx, tk))

	_, err := d.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.NoError(t, err)
	got, err := d.UpdateTaskStatus(ctx, "t1", task.StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ResumeAttempts)
}

func TestPauseAndResumeClearsMetadata(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))
	_, err := d.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.NoError(t, err)

	got, err := d.PauseTask(ctx, "t1", task.PauseSessionLimit, nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)
	assert.Equal(t, task.PauseSessionLimit, got.PauseReason)
	require.NotNil(t, got.PausedAt)

	got, err = d.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.NoError(t, err)
	assert.Empty(t, got.PauseReason)
	assert.Nil(t, got.PausedAt)
}

func TestPausedToFailedKeepsReason(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))
	_, err := d.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.NoError(t, err)
	_, err = d.PauseTask(ctx, "t1", task.PauseSessionLimit, nil)
	require.NoError(t, err)

	got, err := d.UpdateTaskStatus(ctx, "t1", task.StatusFailed, "resume attempts exhausted")
	require.NoError(t, err)
	assert.Equal(t, task.PauseSessionLimit, got.PauseReason)
	assert.Equal(t, "resume attempts exhausted", got.Error)
}

func TestQueueOrdering(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, p task.Priority, e task.Effort, offset time.Duration) {
		tk := newTask(id)
		tk.Priority = p
		tk.Effort = e
		tk.CreatedAt = base.Add(offset)
		require.NoError(t, d.CreateTask(ctx, tk))
	}

	mk("low", task.PriorityLow, task.EffortSmall, 0)
	mk("normal-old", task.PriorityNormal, task.EffortMedium, time.Second)
	mk("normal-new", task.PriorityNormal, task.EffortMedium, 2*time.Second)
	mk("normal-xs", task.PriorityNormal, task.EffortXS, 3*time.Second)
	mk("urgent", task.PriorityUrgent, task.EffortXL, 4*time.Second)
	mk("empty-priority", "", task.EffortMedium, 500*time.Millisecond)
	mk("bogus", task.Priority("bogus"), task.EffortMedium, 0)

	pending, err := d.GetPendingTasks(ctx)
	require.NoError(t, err)

	var order []string
	for _, tk := range pending {
		order = append(order, tk.ID)
	}
	// urgent first; within normal, xs effort beats medium; empty priority
	// counts as normal; unknown priority sorts last.
	assert.Equal(t, []string{"urgent", "normal-xs", "empty-priority", "normal-old", "normal-new", "low", "bogus"}, order)

	next, err := d.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "urgent", next.ID)
}

func TestQueueSkipsUnmetDependencies(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	dep := newTask("dep")
	require.NoError(t, d.CreateTask(ctx, dep))

	blocked := newTask("blocked")
	blocked.Priority = task.PriorityUrgent
	blocked.DependsOn = []string{"dep"}
	require.NoError(t, d.CreateTask(ctx, blocked))

	// dep itself is pending, so it is the only admissible task
	next, err := d.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "dep", next.ID)

	_, err = d.UpdateTaskStatus(ctx, "dep", task.StatusInProgress, "")
	require.NoError(t, err)
	_, err = d.UpdateTaskStatus(ctx, "dep", task.StatusCompleted, "")
	require.NoError(t, err)

	next, err = d.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "blocked", next.ID)
}

func TestGetReadyTasksExcludesBlocked(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	free := newTask("free")
	require.NoError(t, d.CreateTask(ctx, free))

	blocked := newTask("blocked")
	blocked.DependsOn = []string{"missing"}
	require.NoError(t, d.CreateTask(ctx, blocked))

	ready, err := d.GetReadyTasks(ctx, true)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "free", ready[0].ID)
}

func TestTrashLifecycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))
	require.NoError(t, d.CreateTask(ctx, newTask("t2")))

	require.NoError(t, d.TrashTask(ctx, "t1"))

	all, err := d.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t2", all[0].ID)

	trashed, err := d.ListTrashed(ctx)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, "t1", trashed[0].ID)

	require.NoError(t, d.RestoreTask(ctx, "t1"))
	all, err = d.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, d.TrashTask(ctx, "t1"))
	ids, err := d.EmptyTrash(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	got, err := d.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestArchiveRequiresCompleted(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))

	err := d.ArchiveTask(ctx, "t1")
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeIllegalState))

	_, err = d.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, "")
	require.NoError(t, err)
	_, err = d.UpdateTaskStatus(ctx, "t1", task.StatusCompleted, "")
	require.NoError(t, err)

	require.NoError(t, d.AddLog(ctx, "t1", task.LogEntry{Message: "done"}))
	require.NoError(t, d.ArchiveTask(ctx, "t1"))

	// archived tasks drop out of the default listing
	all, err := d.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	archived, err := d.ListArchived(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)

	// archiving never deletes logs
	logs, err := d.GetLogs(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	require.NoError(t, d.UnarchiveTask(ctx, "t1"))
	all, err = d.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLogsRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))
	require.NoError(t, d.AddLog(ctx, "t1", task.LogEntry{
		Level:    task.LogWarn,
		Message:  "first",
		Metadata: map[string]string{"stage": "plan"},
	}))
	require.NoError(t, d.AddLog(ctx, "t1", task.LogEntry{Message: "second"}))

	logs, err := d.GetLogs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, task.LogWarn, logs[0].Level)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "plan", logs[0].Metadata["stage"])
	assert.Equal(t, task.LogInfo, logs[1].Level)
}

func TestCheckpointLatest(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id1, err := d.SaveCheckpoint(ctx, "t1", task.Checkpoint{
		Stage:             "plan",
		StageIndex:        0,
		ConversationState: []byte(`{"turn":1}`),
		CreatedAt:         base,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := d.SaveCheckpoint(ctx, "t1", task.Checkpoint{
		Stage:             "implementation",
		StageIndex:        1,
		ConversationState: []byte(`{"turn":9}`),
		Metadata: task.CheckpointMetadata{
			PauseReason:     task.PauseSessionLimit,
			ResumePoint:     "stage_start",
			CompletedStages: []string{"plan"},
		},
		CreatedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)

	latest, err := d.GetLatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, id2, latest.ID)
	assert.Equal(t, "implementation", latest.Stage)
	assert.Equal(t, 1, latest.StageIndex)
	assert.Equal(t, task.PauseSessionLimit, latest.Metadata.PauseReason)
	assert.Equal(t, []string{"plan"}, latest.Metadata.CompletedStages)
	assert.Equal(t, []byte(`{"turn":9}`), latest.ConversationState)

	all, err := d.ListCheckpoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, id1, all[0].ID)

	one, err := d.GetCheckpoint(ctx, "t1", id1)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "plan", one.Stage)
}

func TestSaveCheckpointUnknownTask(t *testing.T) {
	d := openTestDB(t)

	_, err := d.SaveCheckpoint(context.Background(), "ghost", task.Checkpoint{Stage: "plan"})
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeNotFound))
}

func TestGetPausedTasksForResume(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	pause := func(id string, reason task.PauseReason, p task.Priority) {
		tk := newTask(id)
		tk.Priority = p
		require.NoError(t, d.CreateTask(ctx, tk))
		_, err := d.UpdateTaskStatus(ctx, id, task.StatusInProgress, "")
		require.NoError(t, err)
		_, err = d.PauseTask(ctx, id, reason, nil)
		require.NoError(t, err)
	}

	pause("session", task.PauseSessionLimit, task.PriorityNormal)
	pause("manual", task.PauseManual, task.PriorityUrgent)
	pause("budget", task.PauseBudget, task.PriorityHigh)

	resumable, err := d.GetPausedTasksForResume(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 2)
	assert.Equal(t, "budget", resumable[0].ID)
	assert.Equal(t, "session", resumable[1].ID)
}

func TestFindHighestPriorityParentTask(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	parent := newTask("parent")
	parent.Priority = task.PriorityHigh
	parent.SubtaskIDs = []string{"child"}
	require.NoError(t, d.CreateTask(ctx, parent))
	_, err := d.UpdateTaskStatus(ctx, "parent", task.StatusInProgress, "")
	require.NoError(t, err)
	_, err = d.PauseTask(ctx, "parent", task.PauseCapacity, nil)
	require.NoError(t, err)

	leaf := newTask("leaf")
	leaf.Priority = task.PriorityUrgent
	require.NoError(t, d.CreateTask(ctx, leaf))
	_, err = d.UpdateTaskStatus(ctx, "leaf", task.StatusInProgress, "")
	require.NoError(t, err)
	_, err = d.PauseTask(ctx, "leaf", task.PauseCapacity, nil)
	require.NoError(t, err)

	got, err := d.FindHighestPriorityParentTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "parent", got.ID)
}

func TestThoughtsPromoteOnce(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	th := &Thought{Content: "cache the workflow parse", Tags: []string{"perf"}}
	require.NoError(t, d.CreateThought(ctx, th))

	found, err := d.SearchThoughts(ctx, "WORKFLOW")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, th.ID, found[0].ID)

	require.NoError(t, d.PromoteThought(ctx, th.ID, "t99"))

	err = d.PromoteThought(ctx, th.ID, "t100")
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeIllegalState))

	got, err := d.GetThought(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, got.Implemented)
	assert.Equal(t, "t99", got.TaskID)
}

func TestIdleTaskFilter(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateIdleTask(ctx, &IdleTask{Type: "refactor", Priority: task.PriorityLow}))
	done := &IdleTask{Type: "docs", Priority: task.PriorityNormal, Implemented: true}
	require.NoError(t, d.CreateIdleTask(ctx, done))

	open := false
	pending, err := d.ListIdleTasks(ctx, IdleTaskFilter{Implemented: &open})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "refactor", pending[0].Type)

	docs, err := d.ListIdleTasks(ctx, IdleTaskFilter{Type: "docs"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].Implemented)

	require.NoError(t, d.DeleteIdleTask(ctx, done.ID))
	remaining, err := d.ListIdleTasks(ctx, IdleTaskFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestGetLastActivityTime(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	zero, err := d.GetLastActivityTime(ctx)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	require.NoError(t, d.CreateTask(ctx, newTask("t1")))
	last, err := d.GetLastActivityTime(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
	assert.WithinDuration(t, time.Now(), last, 5*time.Second)
}
