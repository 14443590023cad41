package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusPaused    TaskStatus = "PAUSED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether a task in this status can never transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// DefaultPriority is assigned when a producer submits without an explicit priority.
const DefaultPriority = 5

// Payload carries executor-specific key/value data. File-scoped tasks set
// PayloadFileID so the scheduler can group them into a cohort.
type Payload map[string]any

// PayloadFileID is the payload key that binds a task to a file cohort.
const PayloadFileID = "file_id"

// PayloadBatchSize is injected by the scheduler for batchable task types.
const PayloadBatchSize = "batch_size"

// FileID returns the cohort file identifier, or "" for non file-scoped tasks.
func (p Payload) FileID() string {
	if p == nil {
		return ""
	}
	if v, ok := p[PayloadFileID].(string); ok {
		return v
	}
	return ""
}

// Task represents a unit of work owned by the scheduler
type Task struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`     // Selects pool and executor
	Payload      Payload    `json:"payload"`  // Opaque, executor-specific
	Priority     int        `json:"priority"` // Higher is scheduled sooner
	Status       TaskStatus `json:"status"`
	Pool         string     `json:"pool"`
	AttemptCount int        `json:"attempt_count"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    time.Time  `json:"started_at,omitzero"`
	FinishedAt   time.Time  `json:"finished_at,omitzero"`
}

// Clone returns a copy safe to hand outside the scheduler's lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make(Payload, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// TaskStats is a point-in-time status breakdown. Paused tasks count as
// pending: they are admitted but not yet runnable, which keeps Total equal to
// the sum of the five buckets at every observation point.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// CancelResult reports the outcome of a bulk cancellation.
type CancelResult struct {
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}
