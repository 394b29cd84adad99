// Package events provides event types and publishing infrastructure for apex.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Task lifecycle events

	EventTaskCreated      EventType = "task:created"
	EventTaskStarted      EventType = "task:started"
	EventTaskStageChanged EventType = "task:stage-changed"
	EventTaskCompleted    EventType = "task:completed"
	EventTaskFailed       EventType = "task:failed"
	EventTaskPaused       EventType = "task:paused"
	EventTaskResumed      EventType = "task:resumed"

	// Agent events

	EventAgentMessage  EventType = "agent:message"
	EventAgentThinking EventType = "agent:thinking"
	EventAgentToolUse  EventType = "agent:tool-use"

	// Usage events

	EventUsageUpdated EventType = "usage:updated"

	// Daemon events

	EventDaemonPaused  EventType = "daemon:paused"
	EventDaemonResumed EventType = "daemon:resumed"

	// Worktree events

	EventWorktreeCreated      EventType = "worktree:created"
	EventWorktreeCleaned      EventType = "worktree:cleaned"
	EventWorktreeMergeCleaned EventType = "worktree:merge-cleaned"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// StageChange is the payload of a task:stage-changed event.
type StageChange struct {
	Stage string `json:"stage"`
	Index int    `json:"index"`
}

// FailureData is the payload of a task:failed event.
type FailureData struct {
	Error string `json:"error"`
}

// PauseData is the payload of task:paused and daemon:paused events.
type PauseData struct {
	Reason string `json:"reason"`
}

// ThinkingData is the payload of an agent:thinking event.
type ThinkingData struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// ToolUseData is the payload of an agent:tool-use event.
type ToolUseData struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// UsageData is the payload of a usage:updated event.
type UsageData struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// WorktreeData is the payload of worktree events.
type WorktreeData struct {
	Path  string `json:"path"`
	PRURL string `json:"pr_url,omitempty"`
}
