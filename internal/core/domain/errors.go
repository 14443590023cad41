// Package domain holds the task, pool and model-residency entities shared by
// the core services and the adapters.
package domain

import "errors"

// Submission and control-plane errors. Validation failures never enter the
// task table; QueueFull asks the producer to back off and retry.
var (
	ErrUnknownPool      = errors.New("unknown pool")
	ErrUnknownTaskType  = errors.New("unknown task type")
	ErrQueueFull        = errors.New("pool queue is full")
	ErrTaskNotFound     = errors.New("task not found")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrInvalidStatus    = errors.New("invalid status transition")
)

// ErrorKind classifies how a task reached a terminal failure state.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindExecution ErrorKind = "EXECUTION" // Executor returned an error
	ErrorKindTimeout   ErrorKind = "TIMEOUT"   // Pool task_timeout elapsed
	ErrorKindCancelled ErrorKind = "CANCELLED" // Cooperative cancellation honored
)
