package queue

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPublish_InsertsPendingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	mock.ExpectQuery(`INSERT INTO queue_jobs`).
		WithArgs("provider-sync", []byte(`{}`), "corr-1", StatusPending, defaultMaxAttempts, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := q.Publish(context.Background(), "provider-sync", []byte(`{}`), PublishOptions{CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetch_ClaimsPendingRowsAndMarksRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	rows := sqlmock.NewRows([]string{
		"id", "queue_name", "payload", "correlation_id", "status", "attempts",
		"max_attempts", "run_at", "last_error", "created_at",
	}).AddRow(int64(1), "provider-sync", []byte(`{}`), "", StatusPending, 0, 5, time.Now(), "", time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, queue_name, payload`).
		WithArgs("provider-sync", StatusPending, 10).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE queue_jobs SET status`).
		WithArgs(StatusRunning, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	jobs, err := q.Fetch(context.Background(), "provider-sync", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, StatusRunning, jobs[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueueStatus_AggregatesCounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	rows := sqlmock.NewRows([]string{"pending", "running", "failed", "oldest"}).
		AddRow(3, 1, 0, time.Now().Add(-time.Minute))

	mock.ExpectQuery(`SELECT\s+count\(\*\) FILTER`).
		WithArgs("provider-sync", StatusPending, StatusRunning, StatusFailed).
		WillReturnRows(rows)

	status, err := q.GetQueueStatus(context.Background(), "provider-sync")
	require.NoError(t, err)
	require.Equal(t, 3, status.Pending)
	require.Equal(t, 1, status.Running)
	require.Greater(t, status.OldestAge, time.Duration(0))
	require.NoError(t, mock.ExpectationsWereMet())
}
