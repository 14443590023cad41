package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/cr4342/msearch-sub004/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type taskRepository struct {
	db  *pgxpool.Pool
	qb  *squirrel.StatementBuilderType
	log *zap.Logger
}

// NewTaskRepository creates the postgres task mirror
func NewTaskRepository(db *pgxpool.Pool, qb *squirrel.StatementBuilderType, log *zap.Logger) port.TaskRepository {
	return &taskRepository{
		db:  db,
		qb:  qb,
		log: log,
	}
}

func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query, args, err := r.qb.Insert("tasks").
		Columns("id", "type", "payload", "priority", "status", "pool", "attempt_count", "created_at").
		Values(task.ID, task.Type, payload, task.Priority, task.Status, task.Pool, task.AttemptCount, task.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		r.log.Error("Failed to save task", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}
	return nil
}

func (r *taskRepository) UpdateStatus(ctx context.Context, task *domain.Task) error {
	update := r.qb.Update("tasks").
		Set("status", task.Status).
		Set("priority", task.Priority).
		Set("attempt_count", task.AttemptCount).
		Where(squirrel.Eq{"id": task.ID})
	if !task.StartedAt.IsZero() {
		update = update.Set("started_at", task.StartedAt)
	}
	if !task.FinishedAt.IsZero() {
		update = update.Set("finished_at", task.FinishedAt)
	}
	if task.Error != "" {
		update = update.Set("error", task.Error).Set("error_kind", task.ErrorKind)
	}

	query, args, err := update.ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, query, args...)
	return err
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query, args, err := r.qb.
		Select("id", "type", "payload", "priority", "status", "pool", "attempt_count", "error", "error_kind", "created_at", "started_at", "finished_at").
		From("tasks").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	task, err := scanTask(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

func (r *taskRepository) ListByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := r.qb.
		Select("id", "type", "payload", "priority", "status", "pool", "attempt_count", "error", "error_kind", "created_at", "started_at", "finished_at").
		From("tasks").
		Where(squirrel.Eq{"status": status}).
		OrderBy("priority DESC", "created_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t          domain.Task
		payload    []byte
		errText    *string
		errKind    *string
		startedAt  *time.Time
		finishedAt *time.Time
	)
	if err := row.Scan(&t.ID, &t.Type, &payload, &t.Priority, &t.Status, &t.Pool,
		&t.AttemptCount, &errText, &errKind, &t.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if errText != nil {
		t.Error = *errText
	}
	if errKind != nil {
		t.ErrorKind = domain.ErrorKind(*errKind)
	}
	if startedAt != nil {
		t.StartedAt = *startedAt
	}
	if finishedAt != nil {
		t.FinishedAt = *finishedAt
	}
	return &t, nil
}
