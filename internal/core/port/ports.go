// Package port provides behavior interfaces that connect the core services to
// their external collaborators.
package port

import (
	"context"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
)

// Executor runs the opaque work of one task. Implementations must honor the
// context: it carries the pool task timeout and cooperative cancellation.
// Any returned error is treated uniformly as task failure by the scheduler.
type Executor interface {
	Run(ctx context.Context, payload domain.Payload) (domain.Payload, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload domain.Payload) (domain.Payload, error)

func (f ExecutorFunc) Run(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	return f(ctx, payload)
}

// ModelLayer is the embedding side's model lifecycle. Weight (de)serialization
// is its concern; the residency manager only tracks state and asks.
type ModelLayer interface {
	Load(ctx context.Context, modelType string) error
	Unload(ctx context.Context, modelType string) error
	IsLoaded(ctx context.Context, modelType string) (bool, error)
}

// ResourceSampler supplies periodic CPU and memory usage percentages for
// batch size control.
type ResourceSampler interface {
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// TaskRepository mirrors task records to durable storage for observability.
// The scheduler treats it as best-effort: mirror failures are logged, never
// surfaced to producers.
type TaskRepository interface {
	Save(ctx context.Context, task *domain.Task) error
	UpdateStatus(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error)
}

// MetadataStore is the narrow get/put/delete interface over the vector
// metadata database.
type MetadataStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// EventPublisher emits task lifecycle events for downstream consumers.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, task *domain.Task) error
}
