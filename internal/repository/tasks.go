package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusCreated        TaskStatus = "CREATED"
	TaskStatusProcessing     TaskStatus = "PROCESSING"
	TaskStatusFailed         TaskStatus = "FAILED"
	TaskStatusNoAttemptsLeft TaskStatus = "NO_ATTEMPTS_LEFT"
)

// Task is one outbox entry: a message waiting to be published. An empty Topic
// means the publisher's default topic. Key is the partition key.
type Task struct {
	ID            int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    sql.NullTime
	Topic         string
	Key           string
	Payload       []byte
	Status        TaskStatus
	AttemptCount  int
	NextAttemptAt sql.NullTime
}

type TaskRepository interface {
	CreateTask(ctx context.Context, topic, key string, payload []byte) error
	GetPendingTasks(ctx context.Context, limit, maxAttempts int, retryDelay time.Duration) ([]*Task, error)
	MarkTaskProcessing(ctx context.Context, taskID int) error
	DeleteTask(ctx context.Context, taskID int) error
	UpdateTaskFailure(ctx context.Context, taskID int, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error
}

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(db *sql.DB) *PostgresTaskRepository {
	return &PostgresTaskRepository{db: db}
}

func (r *PostgresTaskRepository) CreateTask(ctx context.Context, topic, key string, payload []byte) error {
	query := `
		INSERT INTO tasks (created_at, updated_at, topic, event_key, payload, status, attempt_count)
		VALUES (NOW(), NOW(), $1, $2, $3, $4, 0)
	`
	if _, err := r.db.ExecContext(ctx, query, topic, key, payload, TaskStatusCreated); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetPendingTasks returns new and failed tasks that still have attempts left.
// A task stuck in PROCESSING for longer than retryDelay is picked up again,
// which covers a publisher that died between mark and delete.
func (r *PostgresTaskRepository) GetPendingTasks(ctx context.Context, limit, maxAttempts int, retryDelay time.Duration) ([]*Task, error) {
	query := `
		SELECT id, created_at, updated_at, finished_at, topic, event_key, payload, status, attempt_count, next_attempt_at
		FROM tasks
		WHERE (
		        status IN ($1, $2) AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		     OR status = $3 AND updated_at <= NOW() - make_interval(secs => $4)
		      )
		  AND attempt_count < $5
		ORDER BY created_at, id
		LIMIT $6
	`
	rows, err := r.db.QueryContext(ctx, query,
		TaskStatusCreated, TaskStatusFailed, TaskStatusProcessing,
		retryDelay.Seconds(), maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.CreatedAt,
			&t.UpdatedAt, &t.FinishedAt,
			&t.Topic, &t.Key, &t.Payload, &t.Status,
			&t.AttemptCount, &t.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get pending tasks: %w", err)
	}
	return tasks, nil
}

func (r *PostgresTaskRepository) MarkTaskProcessing(ctx context.Context, taskID int) error {
	query := `
		UPDATE tasks SET status = $1, updated_at = NOW()
		WHERE id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, TaskStatusProcessing, taskID); err != nil {
		return fmt.Errorf("mark task %d: %w", taskID, err)
	}
	return nil
}

func (r *PostgresTaskRepository) DeleteTask(ctx context.Context, taskID int) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("delete task %d: %w", taskID, err)
	}
	return nil
}

func (r *PostgresTaskRepository) UpdateTaskFailure(ctx context.Context, taskID int, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = $1, attempt_count = $2, updated_at = NOW(), next_attempt_at = $3,
		    finished_at = CASE WHEN $1 = 'NO_ATTEMPTS_LEFT' THEN NOW() ELSE NULL END
		WHERE id = $4
	`
	if _, err := r.db.ExecContext(ctx, query, newStatus, attemptCount, nextAttemptAt, taskID); err != nil {
		return fmt.Errorf("update task %d: %w", taskID, err)
	}
	return nil
}
