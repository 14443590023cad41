package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventsExchange = "tasks.events"
	submitQueue    = "tasks.submit"
)

// QueueService is the AMQP ingress/egress: it consumes task submissions and
// publishes terminal lifecycle events.
type QueueService struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// NewQueueService connects to RabbitMQ with incremental backoff and prepares
// the submission queue and event exchange.
func NewQueueService(url string, log *zap.Logger) (*QueueService, error) {
	var conn *amqp.Connection
	var err error

	// Retry connection up to 10 times with backoff
	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				q := &QueueService{conn: conn, ch: ch, log: log}
				if err := q.declare(); err != nil {
					conn.Close()
					return nil, err
				}
				return q, nil
			}
			err = chErr
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (q *QueueService) declare() error {
	if err := q.ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	_, err := q.ch.QueueDeclare(submitQueue, true, false, false, false, nil)
	return err
}

// PublishTaskEvent emits a terminal lifecycle event, routed by status.
func (q *QueueService) PublishTaskEvent(ctx context.Context, task *domain.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	routingKey := "task." + strings.ToLower(string(task.Status))

	err = q.ch.PublishWithContext(ctx,
		eventsExchange, // Exchange
		routingKey,     // Routing key
		false,          // Mandatory
		false,          // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Priority:    clampPriority(task.Priority),
		})

	if err != nil {
		q.log.Error("Failed to publish task event", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}

	q.log.Debug("Published task event", zap.String("task_id", task.ID), zap.String("key", routingKey))
	return nil
}

// Close tears down the channel and connection.
func (q *QueueService) Close() {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return uint8(p)
}
