package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStorage implements the queue storage interfaces on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same row.
type PGStorage struct {
	pool         *pgxpool.Pool
	retryBackoff time.Duration
}

// PGStorageOption configures a PGStorage.
type PGStorageOption func(*PGStorage)

// WithRetryBackoff overrides the fixed retry delay.
func WithRetryBackoff(d time.Duration) PGStorageOption {
	return func(s *PGStorage) {
		if d > 0 {
			s.retryBackoff = d
		}
	}
}

// NewPGStorage creates a PostgreSQL-backed queue storage.
func NewPGStorage(pool *pgxpool.Pool, opts ...PGStorageOption) (*PGStorage, error) {
	if pool == nil {
		return nil, ErrStorageNil
	}

	s := &PGStorage{
		pool:         pool,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PGStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrPayloadNil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, queue, kind, name, payload, status, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.Queue, task.Kind, task.Name, task.Payload, task.Status,
		task.RetryCount, task.MaxRetries, task.ScheduledAt, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task %q: %w", task.Name, err)
	}
	return nil
}

func (s *PGStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET
			status = $1,
			locked_until = now() + $2,
			locked_by = $3
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $4
			  AND queue = ANY($5)
			  AND scheduled_at <= now()
			ORDER BY scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, kind, name, payload, status, retry_count, max_retries,
			scheduled_at, locked_until, locked_by, processed_at, error, created_at`,
		TaskStatusProcessing, lockDuration, workerID, TaskStatusPending, queues)

	var task Task
	if err := row.Scan(
		&task.ID, &task.Queue, &task.Kind, &task.Name, &task.Payload, &task.Status,
		&task.RetryCount, &task.MaxRetries, &task.ScheduledAt, &task.LockedUntil,
		&task.LockedBy, &task.ProcessedAt, &task.Error, &task.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoTaskToClaim
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return &task, nil
}

func (s *PGStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			processed_at = now(),
			locked_until = NULL,
			locked_by = NULL
		WHERE id = $1`,
		taskID, TaskStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PGStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			retry_count = retry_count + 1,
			error = $2,
			locked_until = NULL,
			locked_by = NULL,
			status = CASE WHEN retry_count + 1 >= max_retries THEN $3::text ELSE $4::text END,
			scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE now() + $5 END
		WHERE id = $1`,
		taskID, errorMsg, TaskStatusFailed, TaskStatusPending, s.retryBackoff)
	if err != nil {
		return fmt.Errorf("failed to record failure for task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PGStorage) MoveToDeadLetter(ctx context.Context, taskID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `
		INSERT INTO tasks_dead_letter (id, task_id, queue, kind, name, payload, error, retry_count, failed_at, created_at)
		SELECT gen_random_uuid(), id, queue, kind, name, payload, COALESCE(error, ''), retry_count, now(), created_at
		FROM tasks WHERE id = $1`,
		taskID)
	if err != nil {
		return fmt.Errorf("failed to park task %s in dead letter queue: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to remove parked task %s: %w", taskID, err)
	}
	return tx.Commit(ctx)
}

func (s *PGStorage) PendingTaskByName(ctx context.Context, taskName string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, queue, kind, name, payload, status, retry_count, max_retries,
			scheduled_at, locked_until, locked_by, processed_at, error, created_at
		FROM tasks
		WHERE name = $1 AND status = $2
		ORDER BY scheduled_at
		LIMIT 1`,
		taskName, TaskStatusPending)

	var task Task
	if err := row.Scan(
		&task.ID, &task.Queue, &task.Kind, &task.Name, &task.Payload, &task.Status,
		&task.RetryCount, &task.MaxRetries, &task.ScheduledAt, &task.LockedUntil,
		&task.LockedBy, &task.ProcessedAt, &task.Error, &task.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to find pending task %q: %w", taskName, err)
	}
	return &task, nil
}

// ReleaseExpiredLocks recovers tasks locked by crashed workers. Intended to be
// run periodically, e.g. from a recurring task.
func (s *PGStorage) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $1,
			locked_until = NULL,
			locked_by = NULL
		WHERE status = $2 AND locked_until < now()`,
		TaskStatusPending, TaskStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
