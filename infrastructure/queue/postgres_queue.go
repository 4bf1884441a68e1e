package queue

import (
	"context"
	"database/sql"
	"time"
)

const defaultMaxAttempts = 5

// PostgresQueue implements Queue over a jobs table, claiming rows with
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue constructs a Postgres-backed job queue.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Publish(ctx context.Context, queueName string, payload []byte, opts PublishOptions) (int64, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	runAt := time.Now().Add(opts.StartAfter)

	var id int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO queue_jobs (queue_name, payload, correlation_id, status, attempts, max_attempts, run_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, now())
		RETURNING id
	`, queueName, payload, opts.CorrelationID, StatusPending, maxAttempts, runAt).Scan(&id)
	return id, err
}

// Fetch claims up to batch pending jobs whose run_at has elapsed, marking
// them running (and counting the attempt) in the same transaction. A row
// whose worker dies before MarkDone or MarkFailed stays running; nothing in
// this module moves it back to pending.
func (q *PostgresQueue) Fetch(ctx context.Context, queueName string, batch int) ([]Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, queue_name, payload, coalesce(correlation_id, ''), status, attempts,
			max_attempts, run_at, coalesce(last_error, ''), created_at
		FROM queue_jobs
		WHERE queue_name = $1 AND status = $2 AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, queueName, StatusPending, batch)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	var ids []int64
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.QueueName, &j.Payload, &j.CorrelationID, &j.Status,
			&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LastError, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		j.Status = StatusRunning
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_jobs SET status = $1, attempts = attempts + 1 WHERE id = $2
		`, StatusRunning, id); err != nil {
			return nil, err
		}
	}

	return jobs, tx.Commit()
}

func (q *PostgresQueue) MarkDone(ctx context.Context, jobID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1 WHERE id = $2
	`, StatusDone, jobID)
	return err
}

// MarkFailed moves the job back to pending with a retryAfter delay if
// attempts remain under max_attempts, otherwise leaves it failed for the
// dead-letter view.
func (q *PostgresQueue) MarkFailed(ctx context.Context, jobID int64, errMsg string, retryAfter time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
			last_error = $3,
			run_at = CASE WHEN attempts < max_attempts THEN $4 ELSE run_at END
		WHERE id = $5
	`, StatusPending, StatusFailed, errMsg, time.Now().Add(retryAfter), jobID)
	return err
}

func (q *PostgresQueue) GetQueueStatus(ctx context.Context, queueName string) (QueueStatus, error) {
	status := QueueStatus{QueueName: queueName}
	var oldest sql.NullTime
	err := q.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = $2),
			count(*) FILTER (WHERE status = $3),
			count(*) FILTER (WHERE status = $4),
			min(created_at) FILTER (WHERE status = $2)
		FROM queue_jobs
		WHERE queue_name = $1
	`, queueName, StatusPending, StatusRunning, StatusFailed).Scan(&status.Pending, &status.Running, &status.Failed, &oldest)
	if err != nil {
		return QueueStatus{}, err
	}
	if oldest.Valid {
		status.OldestAge = time.Since(oldest.Time)
	}
	return status, nil
}
