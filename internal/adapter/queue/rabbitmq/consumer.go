package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"go.uber.org/zap"
)

// Submission is the task descriptor producers publish to tasks.submit.
type Submission struct {
	Type     string         `json:"type"`
	Payload  domain.Payload `json:"payload"`
	Priority *int           `json:"priority,omitempty"`
}

// Submitter admits one task descriptor. The scheduler satisfies this.
type Submitter interface {
	Submit(taskType string, payload domain.Payload, priority int) (string, error)
}

// ConsumeSubmissions feeds queued task descriptors into the scheduler.
// QueueFull is requeued so producers get natural backpressure; malformed and
// unknown-type messages are discarded.
func (q *QueueService) ConsumeSubmissions(ctx context.Context, scheduler Submitter) error {
	msgs, err := q.ch.Consume(
		submitQueue, // queue
		"",          // consumer
		false,       // auto-ack (We want to ack manually after admission)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming task submissions", zap.String("queue", submitQueue))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var sub Submission
				if err := json.Unmarshal(d.Body, &sub); err != nil {
					q.log.Error("Failed to unmarshal submission", zap.Error(err))
					d.Nack(false, false) // discard invalid message
					continue
				}

				priority := domain.DefaultPriority
				if sub.Priority != nil {
					priority = *sub.Priority
				}

				id, err := scheduler.Submit(sub.Type, sub.Payload, priority)
				switch {
				case err == nil:
					q.log.Debug("Admitted queued task", zap.String("task_id", id), zap.String("type", sub.Type))
					d.Ack(false)
				case errors.Is(err, domain.ErrQueueFull):
					// Backpressure: leave it on the broker and try again later.
					d.Nack(false, true)
				case errors.Is(err, domain.ErrSchedulerStopped):
					d.Nack(false, true)
					return
				default:
					q.log.Error("Rejected queued task", zap.String("type", sub.Type), zap.Error(err))
					d.Nack(false, false)
				}
			}
		}
	}()

	return nil
}
