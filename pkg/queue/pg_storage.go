package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billsync/pkg/pg"
)

// PGStorage implements every repository interface on the queue_tasks tables.
type PGStorage struct {
	pool *pgxpool.Pool
}

// NewPGStorage returns task storage on postgres.
func NewPGStorage(pool *pgxpool.Pool) *PGStorage {
	return &PGStorage{pool: pool}
}

const taskColumns = `id, queue, task_type, task_name, payload, status, priority, retry_count,
	max_retries, scheduled_at, locked_until, locked_by, processed_at, error, created_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Queue, &t.TaskType, &t.TaskName, &t.Payload, &t.Status, &t.Priority,
		&t.RetryCount, &t.MaxRetries, &t.ScheduledAt, &t.LockedUntil, &t.LockedBy, &t.ProcessedAt,
		&t.Error, &t.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTask silently skips a periodic task that already has a live instance.
func (s *PGStorage) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_tasks (id, queue, task_type, task_name, payload, status, priority,
			retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`,
		t.ID, t.Queue, t.TaskType, t.TaskName, t.Payload, t.Status, t.Priority,
		t.RetryCount, t.MaxRetries, t.ScheduledAt, t.CreatedAt)
	return err
}

func (s *PGStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lock time.Duration) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE queue_tasks SET status = 'processing', locked_until = NOW() + $3::interval, locked_by = $2
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE queue = ANY($1) AND scheduled_at <= NOW()
			  AND (status = 'pending' OR (status = 'processing' AND locked_until < NOW()))
			ORDER BY priority DESC, scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, queues, workerID, lock))
	if err == ErrTaskNotFound {
		return nil, ErrNoTaskToClaim
	}
	return t, err
}

func (s *PGStorage) CompleteTask(ctx context.Context, id uuid.UUID) error {
	return s.expectOne(s.pool.Exec(ctx, `
		UPDATE queue_tasks SET status = 'completed', processed_at = NOW(), locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'processing'`, id))
}

func (s *PGStorage) FailTask(ctx context.Context, id uuid.UUID, errMsg string, retryAt time.Time) error {
	return s.expectOne(s.pool.Exec(ctx, `
		UPDATE queue_tasks SET status = 'pending', retry_count = retry_count + 1, error = $2,
			scheduled_at = $3, locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'processing'`, id, errMsg, retryAt))
}

func (s *PGStorage) MoveToDLQ(ctx context.Context, id uuid.UUID, errMsg string) error {
	return pg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO queue_tasks_dlq (id, task_id, queue, task_type, task_name, payload, priority, error, retry_count, failed_at)
			SELECT $2, id, queue, task_type, task_name, payload, priority, $3, retry_count, NOW()
			FROM queue_tasks WHERE id = $1`, id, uuid.New(), errMsg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrTaskNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM queue_tasks WHERE id = $1`, id)
		return err
	})
}

func (s *PGStorage) GetPendingTaskByName(ctx context.Context, name string) (*Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE task_name = $1 AND status IN ('pending', 'processing')
		ORDER BY scheduled_at LIMIT 1`, name))
}

func (s *PGStorage) expectOne(tag interface{ RowsAffected() int64 }, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotProcessing
	}
	return nil
}
