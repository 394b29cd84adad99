// Package engine executes task workflows stage by stage.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/apex/internal/agent"
	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/db"
	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/events"
	"github.com/randalmurphal/apex/internal/git"
	"github.com/randalmurphal/apex/internal/hooks"
	"github.com/randalmurphal/apex/internal/task"
	"github.com/randalmurphal/apex/internal/usage"
	"github.com/randalmurphal/apex/internal/workflow"
)

// thinkingLogTruncateAt caps thinking text in the debug log.
const thinkingLogTruncateAt = 200

// Engine drives one task through its workflow DAG.
type Engine struct {
	store     *db.DB
	accounter *usage.Accounter
	publisher events.Publisher
	gateway   *hooks.Gateway
	workflows *workflow.Registry
	agents    *agent.Registry
	provider  agent.Provider
	git       *git.Git
	cfg       config.EngineConfig
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithGit attaches a git handle used for checkpoint commits and merges.
func WithGit(g *git.Git) Option {
	return func(e *Engine) { e.git = g }
}

// New creates an Engine. provider is the LLM boundary; everything else is
// shared daemon infrastructure.
func New(
	store *db.DB,
	accounter *usage.Accounter,
	publisher events.Publisher,
	gateway *hooks.Gateway,
	workflows *workflow.Registry,
	agents *agent.Registry,
	provider agent.Provider,
	cfg config.EngineConfig,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:     store,
		accounter: accounter,
		publisher: publisher,
		gateway:   gateway,
		workflows: workflows,
		agents:    agents,
		provider:  provider,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteTask runs the task's workflow from the beginning. The task must be
// pending; it transitions to in-progress and ends completed, failed, or
// paused (session limit).
func (e *Engine) ExecuteTask(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return apexerrors.ErrTaskNotFound(taskID)
	}

	t, err = e.store.UpdateTaskStatus(ctx, t.ID, task.StatusInProgress, "")
	if err != nil {
		return err
	}
	e.accounter.TrackTaskStart(t.ID, t.Usage)
	e.publisher.Publish(events.NewEvent(events.EventTaskStarted, t.ID, nil))

	return e.run(ctx, t, 0, nil, nil)
}

// ResumeTask continues a paused task from a checkpoint. checkpointID selects
// a specific checkpoint; empty means the latest. The resume-attempt counter
// is incremented before the agent loop re-enters, so a crash mid-resume
// still counts.
func (e *Engine) ResumeTask(ctx context.Context, taskID, checkpointID string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return apexerrors.ErrTaskNotFound(taskID)
	}

	if t.ResumeAttempts >= t.MaxResumeAttempts {
		rerr := apexerrors.ErrMaxResumeAttempts(t.ID, t.ResumeAttempts, t.MaxResumeAttempts)
		if _, serr := e.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, rerr.Error()); serr != nil {
			return serr
		}
		e.publisher.Publish(events.NewEvent(events.EventTaskFailed, t.ID,
			events.FailureData{Error: rerr.Error()}))
		return rerr
	}

	var ckpt *task.Checkpoint
	if checkpointID != "" {
		ckpt, err = e.store.GetCheckpoint(ctx, t.ID, checkpointID)
	} else {
		ckpt, err = e.store.GetLatestCheckpoint(ctx, t.ID)
	}
	if err != nil {
		return err
	}

	t.ResumeAttempts++
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}

	t, err = e.store.UpdateTaskStatus(ctx, t.ID, task.StatusInProgress, "")
	if err != nil {
		return err
	}
	// Seed the running total with the usage accumulated before the pause so
	// per-task limits hold across resume cycles.
	e.accounter.TrackTaskStart(t.ID, t.Usage)
	e.publisher.Publish(events.NewEvent(events.EventTaskResumed, t.ID, nil))

	startIndex := 0
	var conversation []byte
	var completed []string
	if ckpt != nil {
		conversation = ckpt.ConversationState
		completed = ckpt.Metadata.CompletedStages
		if ckpt.Metadata.ResumePoint == "stage_start" {
			startIndex = ckpt.StageIndex
		} else {
			startIndex = ckpt.StageIndex + 1
		}
	}

	e.logger.Info("resuming task", "task", t.ID,
		"attempt", t.ResumeAttempts, "max", t.MaxResumeAttempts, "stage_index", startIndex)
	return e.run(ctx, t, startIndex, conversation, completed)
}

// run executes stages from startIndex to the end of the workflow.
func (e *Engine) run(ctx context.Context, t *task.Task, startIndex int, conversation []byte, completed []string) error {
	wf, err := e.workflows.Get(t.Workflow)
	if err != nil {
		return e.fail(ctx, t, err)
	}
	stages, err := wf.TopoOrder()
	if err != nil {
		return e.fail(ctx, t, err)
	}
	if startIndex > len(stages) {
		startIndex = len(stages)
	}

	for i := startIndex; i < len(stages); i++ {
		stage := stages[i]
		e.publisher.Publish(events.NewEvent(events.EventTaskStageChanged, t.ID,
			events.StageChange{Stage: stage.Name, Index: i}))

		status := agent.DetectSessionLimit(conversation, e.cfg.SessionTokenLimit, e.cfg.SessionWarnUtilization)
		if status.NearLimit && status.Recommendation != agent.RecommendContinue {
			return e.pauseAtSessionLimit(ctx, t, stage, i, conversation, completed, status)
		}

		next, err := e.runStage(ctx, t, stage, i, conversation)
		if err != nil {
			if ctx.Err() != nil {
				return e.pauseManual(context.WithoutCancel(ctx), t, stage, i, conversation, completed)
			}
			if apexerrors.HasCode(err, apexerrors.CodeProviderFailed) && t.RetryCount < t.MaxRetries {
				t.RetryCount++
				if serr := e.store.UpdateTaskRetryCount(ctx, t.ID, t.RetryCount); serr != nil {
					e.logger.Warn("retry count persist failed", "task", t.ID, "error", serr)
				}
				e.logger.Warn("stage failed, retrying",
					"task", t.ID, "stage", stage.Name,
					"attempt", t.RetryCount, "max", t.MaxRetries, "error", err)
				i--
				continue
			}
			return e.fail(ctx, t, err)
		}
		conversation = next

		completed = append(completed, stage.Name)
		e.checkpointStage(ctx, t, stage, i, conversation, completed)
	}

	if _, err := e.store.UpdateTaskStatus(ctx, t.ID, task.StatusCompleted, ""); err != nil {
		return err
	}
	e.accounter.TrackTaskCompletion(t.ID, t.Usage, true)
	e.publisher.Publish(events.NewEvent(events.EventTaskCompleted, t.ID, nil))
	return nil
}

// runStage performs one agent invocation with hooks and budget enforcement.
func (e *Engine) runStage(ctx context.Context, t *task.Task, stage workflow.Stage, index int, conversation []byte) ([]byte, error) {
	def, err := e.agents.Get(stage.Agent)
	if err != nil {
		return nil, err
	}
	model := def.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}

	maxCost := e.accounter.GetBaseLimits().MaxCostPerTask

	workDir := t.ProjectPath
	if t.Workspace != nil && t.Workspace.Path != "" {
		workDir = t.Workspace.Path
	}

	req := agent.Request{
		Agent:        def,
		Model:        model,
		Prompt:       e.buildPrompt(def, t, stage),
		WorkDir:      workDir,
		Conversation: conversation,
		MaxTurns:     e.cfg.MaxTurns,
	}

	if e.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StageTimeout)
		defer cancel()
	}

	cb := agent.Callbacks{
		OnMessage: func(m agent.Message) error {
			if text := m.ThinkingText(); text != "" {
				e.publisher.Publish(events.NewEvent(events.EventAgentThinking, t.ID,
					events.ThinkingData{Agent: def.Name, Text: text}))
				e.logger.Debug("agent thinking",
					"task", t.ID, "agent", def.Name, "text", truncate(text, thinkingLogTruncateAt))
			}
			return nil
		},
		OnToolUse: func(tool string, input json.RawMessage) error {
			e.publisher.Publish(events.NewEvent(events.EventAgentToolUse, t.ID,
				events.ToolUseData{Tool: tool, Input: truncate(string(input), thinkingLogTruncateAt)}))
			decision := e.gateway.CheckPreToolUse(ctx, &hooks.ToolCall{
				TaskID: t.ID, Tool: tool, Input: input,
			})
			if !decision.Allowed() {
				return fmt.Errorf("tool call blocked: %s", decision.Reason)
			}
			return nil
		},
		OnToolResult: func(tool string, result json.RawMessage) error {
			decision := e.gateway.CheckPostToolUse(ctx, &hooks.ToolCall{
				TaskID: t.ID, Tool: tool, Input: result,
			})
			if !decision.Allowed() {
				return fmt.Errorf("tool result flagged: %s", decision.Reason)
			}
			return nil
		},
		OnUsage: func(delta task.Usage) error {
			running := e.accounter.AddUsage(t.ID, delta)
			t.Usage = running
			e.publisher.Publish(events.NewEvent(events.EventUsageUpdated, t.ID, events.UsageData{
				InputTokens:   running.InputTokens,
				OutputTokens:  running.OutputTokens,
				TotalTokens:   running.TotalTokens,
				EstimatedCost: running.EstimatedCost,
			}))
			if maxCost > 0 && running.EstimatedCost > maxCost {
				return apexerrors.ErrBudgetExceeded(t.ID, running.EstimatedCost, maxCost)
			}
			return nil
		},
	}

	result, err := e.provider.Execute(ctx, req, cb)
	if err != nil {
		// The conversation and usage up to the failure are still worth
		// keeping.
		e.saveCheckpoint(ctx, t, stage.Name, index, conversation, task.CheckpointMetadata{})
		if serr := e.store.UpdateTaskUsage(ctx, t.ID, t.Usage); serr != nil {
			e.logger.Warn("usage persist failed", "task", t.ID, "error", serr)
		}
		var aerr *apexerrors.Error
		if ctx.Err() == nil && !errors.As(err, &aerr) {
			err = apexerrors.ErrProviderFailed(
				fmt.Sprintf("agent %s on stage %s", def.Name, stage.Name), err)
		}
		return nil, err
	}

	if err := e.store.UpdateTaskUsage(ctx, t.ID, t.Usage); err != nil {
		return nil, err
	}
	e.logStage(ctx, t.ID, stage.Name, result.Output)
	return result.Conversation, nil
}

// pauseAtSessionLimit checkpoints and pauses a task whose conversation is
// near the context window, halting the stage loop.
func (e *Engine) pauseAtSessionLimit(
	ctx context.Context,
	t *task.Task,
	stage workflow.Stage,
	index int,
	conversation []byte,
	completed []string,
	status agent.SessionLimitStatus,
) error {
	e.saveCheckpoint(ctx, t, stage.Name, index, conversation, task.CheckpointMetadata{
		PauseReason:     task.PauseSessionLimit,
		ResumePoint:     "stage_start",
		CompletedStages: completed,
		SessionStatus:   status.Recommendation,
	})

	if _, err := e.store.PauseTask(ctx, t.ID, task.PauseSessionLimit, nil); err != nil {
		return err
	}
	e.accounter.TrackTaskCompletion(t.ID, t.Usage, false)
	e.publisher.Publish(events.NewEvent(events.EventTaskPaused, t.ID,
		events.PauseData{Reason: string(task.PauseSessionLimit)}))

	e.logger.Info("task paused at session limit",
		"task", t.ID, "stage", stage.Name,
		"tokens", status.CurrentTokens, "utilization", status.Utilization)
	return apexerrors.ErrSessionLimit(t.ID, stage.Name)
}

// pauseManual checkpoints an interrupted stage and pauses the task so a
// later resume picks it up where the interruption hit. Used for cooperative
// cancellation (shutdown, cancel); the caller must pass an uncancelled
// context so the persistence writes still land.
func (e *Engine) pauseManual(ctx context.Context, t *task.Task, stage workflow.Stage, index int, conversation []byte, completed []string) error {
	e.saveCheckpoint(ctx, t, stage.Name, index, conversation, task.CheckpointMetadata{
		PauseReason:     task.PauseManual,
		ResumePoint:     "stage_start",
		CompletedStages: completed,
	})
	if _, err := e.store.PauseTask(ctx, t.ID, task.PauseManual, nil); err != nil {
		e.logger.Warn("could not pause interrupted task", "task", t.ID, "error", err)
	}
	e.accounter.TrackTaskCompletion(t.ID, t.Usage, false)
	e.publisher.Publish(events.NewEvent(events.EventTaskPaused, t.ID,
		events.PauseData{Reason: string(task.PauseManual)}))
	return context.Canceled
}

// checkpointStage records a stage-completion checkpoint and, for worktree
// workspaces, a checkpoint commit.
func (e *Engine) checkpointStage(ctx context.Context, t *task.Task, stage workflow.Stage, index int, conversation []byte, completed []string) {
	e.saveCheckpoint(ctx, t, stage.Name, index, conversation, task.CheckpointMetadata{
		CompletedStages: completed,
	})

	if e.git != nil && t.Workspace != nil && t.Workspace.Strategy == task.WorkspaceWorktree {
		msg := fmt.Sprintf("apex: checkpoint after %s", stage.Name)
		if hash, err := e.git.CommitAll(t.Workspace.Path, msg); err != nil {
			e.logger.Warn("checkpoint commit failed", "task", t.ID, "stage", stage.Name, "error", err)
		} else {
			e.logStage(ctx, t.ID, stage.Name, "checkpoint commit "+hash)
		}
	}
}

// saveCheckpoint persists a checkpoint; failures are logged, not fatal.
func (e *Engine) saveCheckpoint(ctx context.Context, t *task.Task, stage string, index int, conversation []byte, meta task.CheckpointMetadata) {
	_, err := e.store.SaveCheckpoint(ctx, t.ID, task.Checkpoint{
		Stage:             stage,
		StageIndex:        index,
		ConversationState: conversation,
		Metadata:          meta,
	})
	if err != nil {
		e.logger.Warn("checkpoint save failed", "task", t.ID, "stage", stage, "error", err)
	}
}

// fail moves the task to failed, reconciles usage, and emits task:failed.
func (e *Engine) fail(ctx context.Context, t *task.Task, cause error) error {
	if _, serr := e.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, cause.Error()); serr != nil {
		e.logger.Error("could not record task failure", "task", t.ID, "error", serr)
	}
	e.accounter.TrackTaskCompletion(t.ID, t.Usage, false)
	e.publisher.Publish(events.NewEvent(events.EventTaskFailed, t.ID,
		events.FailureData{Error: cause.Error()}))
	return cause
}

// MergeTaskBranch merges the task's branch into the repository default
// branch. The result records failure instead of returning an error.
func (e *Engine) MergeTaskBranch(ctx context.Context, taskID string, squash bool) (git.MergeResult, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return git.MergeResult{}, err
	}
	if t == nil {
		return git.MergeResult{}, apexerrors.ErrTaskNotFound(taskID)
	}
	if e.git == nil {
		return git.MergeResult{Error: "no git repository configured"}, nil
	}

	branch := t.BranchName
	if branch == "" {
		branch = "apex/" + t.ID
	}

	res := e.git.MergeBranch(branch, squash)
	if res.Success {
		e.logStage(ctx, t.ID, "merge", fmt.Sprintf("merged %s (%s)", branch, res.CommitHash))
	} else {
		e.logger.Warn("merge failed", "task", t.ID, "branch", branch, "error", res.Error)
	}
	return res, nil
}

// buildPrompt assembles the stage prompt from the agent instructions and the
// task fields.
func (e *Engine) buildPrompt(def *agent.Definition, t *task.Task, stage workflow.Stage) string {
	var b strings.Builder
	b.WriteString(def.Instructions)
	b.WriteString("\n\nStage: ")
	b.WriteString(stage.Name)
	b.WriteString("\nTask: ")
	b.WriteString(t.Description)
	if t.AcceptanceCriteria != "" {
		b.WriteString("\nAcceptance criteria: ")
		b.WriteString(t.AcceptanceCriteria)
	}
	return b.String()
}

// logStage appends a stage record to the task log; failures only warn.
func (e *Engine) logStage(ctx context.Context, taskID, stage, message string) {
	err := e.store.AddLog(ctx, taskID, task.LogEntry{
		Level:    task.LogInfo,
		Message:  message,
		Metadata: map[string]string{"stage": stage},
	})
	if err != nil {
		e.logger.Warn("task log append failed", "task", taskID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
