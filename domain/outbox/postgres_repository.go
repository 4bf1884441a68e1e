package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting Append run either
// standalone or as part of the caller's own transaction so the outbox row
// lands atomically with the domain mutation that produced it.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresRepository implements Repository over the outbox_events table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a Postgres-backed outbox repository for
// the dispatcher side (FetchBatch/MarkProcessed/...).
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// TxWriter appends outbox rows through an open transaction, for callers
// (domain/ledger, domain/activation, domain/catalogue) that must guarantee
// the event insert commits atomically with their own write.
type TxWriter struct {
	tx execer
}

// NewTxWriter wraps an open *sql.Tx as a Writer.
func NewTxWriter(tx *sql.Tx) *TxWriter {
	return &TxWriter{tx: tx}
}

func (w *TxWriter) Append(ctx context.Context, eventType EventType, aggregateID string, payload interface{}) error {
	return appendEvent(ctx, w.tx, eventType, aggregateID, payload)
}

// Append implements Writer directly against the pool, for call sites that
// don't already hold an open transaction.
func (r *PostgresRepository) Append(ctx context.Context, eventType EventType, aggregateID string, payload interface{}) error {
	return appendEvent(ctx, r.db, eventType, aggregateID, payload)
}

func appendEvent(ctx context.Context, exec execer, eventType EventType, aggregateID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO outbox_events (event_type, aggregate_id, payload, processed, retry_count, created_at)
		VALUES ($1, $2, $3, false, 0, now())
	`, eventType, aggregateID, body)
	return err
}

// FetchBatch returns the next batch of dispatchable rows, oldest first:
// processed = false AND retryCount < 5 ORDER BY id ASC LIMIT N.
func (r *PostgresRepository) FetchBatch(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, aggregate_id, payload, processed, retry_count,
			coalesce(last_error, ''), created_at, processed_at
		FROM outbox_events
		WHERE processed = false AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventType, &e.AggregateID, &e.Payload, &e.Processed,
			&e.RetryCount, &e.LastError, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events SET processed = true, processed_at = now()
		WHERE id = ANY($1)
	`, pq.Array(ids))
	return err
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events SET retry_count = retry_count + 1, last_error = $1
		WHERE id = $2
	`, errMsg, id)
	return err
}

func (r *PostgresRepository) OldestUnprocessedAge(ctx context.Context) (time.Duration, error) {
	var oldest sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT min(created_at) FROM outbox_events WHERE processed = false
	`).Scan(&oldest)
	if err != nil {
		return 0, err
	}
	if !oldest.Valid {
		return 0, nil
	}
	return time.Since(oldest.Time), nil
}

func (r *PostgresRepository) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox_events WHERE processed = false`).Scan(&count)
	return count, err
}

func (r *PostgresRepository) PurgeProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE processed = true AND processed_at < $1
	`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
