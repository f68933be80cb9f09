package domain

import "time"

// TaskStatus is the lifecycle of a delegated task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// DelegationTask is owned exclusively by the delegation coordinator for its
// lifetime and discarded after the result merges into the parent conversation.
// It never creates a conversation of its own.
type DelegationTask struct {
	TaskID        string
	ParentChatKey string
	ExpertID      string
	Instruction   string
	Status        TaskStatus
	StartedAt     time.Time
}

// DelegationResult is the only output a sub-agent run exposes to the parent:
// the final structured content, never intermediate state.
type DelegationResult struct {
	TaskID   string
	ExpertID string
	Content  string
	Duration time.Duration
}
