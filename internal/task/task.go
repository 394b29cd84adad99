// Package task provides the task model for apex.
package task

import (
	"fmt"
	"sort"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusPending, StatusInProgress, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// IsValidStatus returns true if the status is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is terminal for execution.
// Terminal tasks may still be archived or trashed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// legalTransitions encodes the task status machine:
// pending -> in-progress -> {completed|failed|cancelled|paused};
// paused -> {in-progress|cancelled|pending}; in-progress -> paused.
// The paused->pending edge is the auto-resumer re-enqueueing a task.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:     {StatusInProgress, StatusCancelled, StatusPending, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority represents the urgency/importance of a task.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ValidPriorities returns all valid priority values.
func ValidPriorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// IsValidPriority returns true if the priority is a valid priority value.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// PriorityOrder returns a numeric value for sorting (lower = higher priority).
// Empty values sort as normal; unknown values sort after all valid ones.
func PriorityOrder(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal, "":
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Effort represents the size classification of a task.
type Effort string

const (
	EffortXS     Effort = "xs"
	EffortSmall  Effort = "small"
	EffortMedium Effort = "medium"
	EffortLarge  Effort = "large"
	EffortXL     Effort = "xl"
)

// ValidEfforts returns all valid effort values.
func ValidEfforts() []Effort {
	return []Effort{EffortXS, EffortSmall, EffortMedium, EffortLarge, EffortXL}
}

// IsValidEffort returns true if the effort is a valid effort value.
func IsValidEffort(e Effort) bool {
	switch e {
	case EffortXS, EffortSmall, EffortMedium, EffortLarge, EffortXL:
		return true
	default:
		return false
	}
}

// EffortOrder returns a numeric value for sorting (lower = smaller effort).
// Empty values sort as medium; unknown values sort after all valid ones.
func EffortOrder(e Effort) int {
	switch e {
	case EffortXS:
		return 0
	case EffortSmall:
		return 1
	case EffortMedium, "":
		return 2
	case EffortLarge:
		return 3
	case EffortXL:
		return 4
	default:
		return 5
	}
}

// Autonomy represents how much latitude the agents have on a task.
type Autonomy string

const (
	AutonomyLow    Autonomy = "low"
	AutonomyMedium Autonomy = "medium"
	AutonomyFull   Autonomy = "full"
)

// IsValidAutonomy returns true if the autonomy is a valid value.
func IsValidAutonomy(a Autonomy) bool {
	switch a {
	case AutonomyLow, AutonomyMedium, AutonomyFull:
		return true
	default:
		return false
	}
}

// PauseReason records why a task was paused.
type PauseReason string

const (
	PauseSessionLimit PauseReason = "session_limit"
	PauseUsageLimit   PauseReason = "usage_limit"
	PauseBudget       PauseReason = "budget"
	PauseCapacity     PauseReason = "capacity"
	PauseManual       PauseReason = "manual"
	PauseDependency   PauseReason = "dependency"
)

// AutoResumable reports whether a pause reason is eligible for auto-resume.
func (r PauseReason) AutoResumable() bool {
	switch r {
	case PauseSessionLimit, PauseUsageLimit, PauseCapacity, PauseBudget:
		return true
	default:
		return false
	}
}

// Usage tracks token and cost consumption for a task.
type Usage struct {
	InputTokens   int     `yaml:"input_tokens" json:"input_tokens"`
	OutputTokens  int     `yaml:"output_tokens" json:"output_tokens"`
	TotalTokens   int     `yaml:"total_tokens" json:"total_tokens"`
	EstimatedCost float64 `yaml:"estimated_cost" json:"estimated_cost"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.EstimatedCost += other.EstimatedCost
}

// WorkspaceStrategy determines how a task's working directory is isolated.
type WorkspaceStrategy string

const (
	WorkspaceNone      WorkspaceStrategy = "none"
	WorkspaceWorktree  WorkspaceStrategy = "worktree"
	WorkspaceContainer WorkspaceStrategy = "container"
	WorkspaceDirectory WorkspaceStrategy = "directory"
)

// IsValidWorkspaceStrategy returns true for a known strategy.
func IsValidWorkspaceStrategy(s WorkspaceStrategy) bool {
	switch s {
	case WorkspaceNone, WorkspaceWorktree, WorkspaceContainer, WorkspaceDirectory:
		return true
	default:
		return false
	}
}

// ContainerSpec configures a container workspace.
type ContainerSpec struct {
	Image          string            `yaml:"image" json:"image"`
	ResourceLimits map[string]string `yaml:"resource_limits,omitempty" json:"resource_limits,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	NetworkMode    string            `yaml:"network_mode,omitempty" json:"network_mode,omitempty"`
	AutoRemove     bool              `yaml:"auto_remove,omitempty" json:"auto_remove,omitempty"`
	InstallTimeout time.Duration     `yaml:"install_timeout,omitempty" json:"install_timeout,omitempty"`
}

// Workspace describes a task's isolated working directory.
type Workspace struct {
	Strategy  WorkspaceStrategy `yaml:"strategy" json:"strategy"`
	Path      string            `yaml:"path,omitempty" json:"path,omitempty"`
	Cleanup   bool              `yaml:"cleanup" json:"cleanup"`
	Container *ContainerSpec    `yaml:"container,omitempty" json:"container,omitempty"`
}

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is a single append-only task log record.
type LogEntry struct {
	Level     LogLevel          `json:"level"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Artifact records a file produced during execution.
type Artifact struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Checkpoint is a stored snapshot that permits resuming a task mid-workflow.
type Checkpoint struct {
	ID                string             `json:"id"`
	Stage             string             `json:"stage"`
	StageIndex        int                `json:"stage_index"`
	ConversationState []byte             `json:"conversation_state"`
	Metadata          CheckpointMetadata `json:"metadata"`
	CreatedAt         time.Time          `json:"created_at"`
}

// CheckpointMetadata carries resume context alongside the conversation state.
type CheckpointMetadata struct {
	PauseReason     PauseReason `json:"pause_reason,omitempty"`
	ResumePoint     string      `json:"resume_point,omitempty"`
	CompletedStages []string    `json:"completed_stages,omitempty"`
	SessionStatus   string      `json:"session_limit_status,omitempty"`
}

// Task represents a unit of work to be orchestrated.
type Task struct {
	ID                 string   `yaml:"id" json:"id"`
	Description        string   `yaml:"description" json:"description"`
	AcceptanceCriteria string   `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	Workflow           string   `yaml:"workflow" json:"workflow"`
	Autonomy           Autonomy `yaml:"autonomy,omitempty" json:"autonomy,omitempty"`
	Status             Status   `yaml:"status" json:"status"`
	Priority           Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	Effort             Effort   `yaml:"effort,omitempty" json:"effort,omitempty"`

	ProjectPath string `yaml:"project_path" json:"project_path"`
	BranchName  string `yaml:"branch_name,omitempty" json:"branch_name,omitempty"`

	ParentTaskID string   `yaml:"parent_task_id,omitempty" json:"parent_task_id,omitempty"`
	SubtaskIDs   []string `yaml:"subtask_ids,omitempty" json:"subtask_ids,omitempty"`
	DependsOn    []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	BlockedBy    []string `yaml:"blocked_by,omitempty" json:"blocked_by,omitempty"`

	RetryCount        int `yaml:"retry_count" json:"retry_count"`
	MaxRetries        int `yaml:"max_retries" json:"max_retries"`
	ResumeAttempts    int `yaml:"resume_attempts" json:"resume_attempts"`
	MaxResumeAttempts int `yaml:"max_resume_attempts" json:"max_resume_attempts"`

	PauseReason PauseReason `yaml:"pause_reason,omitempty" json:"pause_reason,omitempty"`
	PausedAt    *time.Time  `yaml:"paused_at,omitempty" json:"paused_at,omitempty"`
	ResumeAfter *time.Time  `yaml:"resume_after,omitempty" json:"resume_after,omitempty"`

	Usage     Usage      `yaml:"usage" json:"usage"`
	Workspace *Workspace `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	PRURL     string     `yaml:"pr_url,omitempty" json:"pr_url,omitempty"`
	Error     string     `yaml:"error,omitempty" json:"error,omitempty"`

	CreatedAt   time.Time  `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `yaml:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	ArchivedAt  *time.Time `yaml:"archived_at,omitempty" json:"archived_at,omitempty"`
	TrashedAt   *time.Time `yaml:"trashed_at,omitempty" json:"trashed_at,omitempty"`
}

// DefaultMaxRetries is applied when a task is created without one.
const DefaultMaxRetries = 3

// DefaultMaxResumeAttempts is applied when a task is created without one.
const DefaultMaxResumeAttempts = 5

// New creates a new pending task with defaults applied.
func New(id, description string) *Task {
	now := time.Now()
	return &Task{
		ID:                id,
		Description:       description,
		Status:            StatusPending,
		Priority:          PriorityNormal,
		Effort:            EffortMedium,
		Autonomy:          AutonomyMedium,
		MaxRetries:        DefaultMaxRetries,
		MaxResumeAttempts: DefaultMaxResumeAttempts,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// GetPriority returns the task's priority, normalized to a default.
// Unknown values are preserved; only empty falls back.
func (t *Task) GetPriority() Priority {
	if t.Priority == "" {
		return PriorityNormal
	}
	return t.Priority
}

// GetEffort returns the task's effort, normalized to a default.
func (t *Task) GetEffort() Effort {
	if t.Effort == "" {
		return EffortMedium
	}
	return t.Effort
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsAdmissible reports whether the task is pending with all dependencies
// completed. done maps task id -> completed.
func (t *Task) IsAdmissible(done map[string]bool) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Less orders tasks by (priority, effort, createdAt) per the queue contract.
func Less(a, b *Task) bool {
	pa, pb := PriorityOrder(a.Priority), PriorityOrder(b.Priority)
	if pa != pb {
		return pa < pb
	}
	ea, eb := EffortOrder(a.Effort), EffortOrder(b.Effort)
	if ea != eb {
		return ea < eb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// SortByQueueOrder sorts tasks in place by the queue ordering tuple.
func SortByQueueOrder(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return Less(tasks[i], tasks[j])
	})
}

// DependencyError represents an error related to task dependencies.
type DependencyError struct {
	TaskID  string
	Message string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency error for %s: %s", e.TaskID, e.Message)
}

// ValidateDependsOn checks that all dependency references are valid.
func ValidateDependsOn(taskID string, dependsOn []string, existingIDs map[string]bool) []error {
	var errs []error
	for _, depID := range dependsOn {
		if depID == taskID {
			errs = append(errs, &DependencyError{
				TaskID:  taskID,
				Message: "task cannot depend on itself",
			})
			continue
		}
		if !existingIDs[depID] {
			errs = append(errs, &DependencyError{
				TaskID:  taskID,
				Message: fmt.Sprintf("depends_on references non-existent task %s", depID),
			})
		}
	}
	return errs
}

// DetectDependencyCycle checks if setting the given dependency list for a
// task would create a cycle. Returns the cycle path if one would be created,
// nil otherwise.
func DetectDependencyCycle(taskID string, deps []string, tasks map[string]*Task) []string {
	dependsOnMap := make(map[string][]string)
	for _, t := range tasks {
		if t.ID == taskID {
			dependsOnMap[t.ID] = append([]string(nil), deps...)
		} else {
			dependsOnMap[t.ID] = append([]string(nil), t.DependsOn...)
		}
	}
	if _, exists := dependsOnMap[taskID]; !exists {
		dependsOnMap[taskID] = append([]string(nil), deps...)
	}

	visited := make(map[string]bool)
	path := make(map[string]bool)
	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		if path[id] {
			cyclePath = append(cyclePath, id)
			return true
		}
		if visited[id] {
			return false
		}

		visited[id] = true
		path[id] = true

		for _, dep := range dependsOnMap[id] {
			if dfs(dep) {
				cyclePath = append(cyclePath, id)
				return true
			}
		}

		path[id] = false
		return false
	}

	if dfs(taskID) {
		for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
			cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
		}
		return cyclePath
	}

	return nil
}

// UnmetDependencies returns the IDs of dependencies that are not completed.
func (t *Task) UnmetDependencies(tasks map[string]*Task) []string {
	var unmet []string
	for _, depID := range t.DependsOn {
		dep, exists := tasks[depID]
		if !exists || dep.Status != StatusCompleted {
			unmet = append(unmet, depID)
		}
	}
	return unmet
}

// HasNonTerminalSubtasks reports whether any subtask is still non-terminal.
// A parent cannot complete while this is true.
func (t *Task) HasNonTerminalSubtasks(tasks map[string]*Task) bool {
	for _, subID := range t.SubtaskIDs {
		sub, exists := tasks[subID]
		if exists && !sub.IsTerminal() {
			return true
		}
	}
	return false
}
