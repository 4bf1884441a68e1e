// Package queue implements a durable job queue on top of the relational
// store: publish/fetch/work/schedule/status, plus cron-driven recurring
// publishes for the registered maintenance queues.
package queue

import (
	"context"
	"time"
)

// Status is the lifecycle state of one queued job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one unit of work published to a named queue.
type Job struct {
	ID            int64
	QueueName     string
	Payload       []byte
	CorrelationID string
	Status        Status
	Attempts      int
	MaxAttempts   int
	RunAt         time.Time
	LastError     string
	CreatedAt     time.Time
}

// PublishOptions configures a single Publish call.
type PublishOptions struct {
	// StartAfter delays visibility of the job by this duration.
	StartAfter time.Duration
	// CorrelationID threads a trace/request id through to the handler.
	CorrelationID string
	// MaxAttempts overrides the default retry ceiling (0 keeps the default).
	MaxAttempts int
}

// QueueStatus summarizes one queue's backlog.
type QueueStatus struct {
	QueueName string
	Pending   int
	Running   int
	Failed    int
	OldestAge time.Duration
}

// Handler processes one job's payload. Returning an error marks the job
// failed and, if attempts remain, reschedules it with backoff.
type Handler func(ctx context.Context, job Job) error

// Queue is the persistence boundary a worker process consumes.
type Queue interface {
	Publish(ctx context.Context, queueName string, payload []byte, opts PublishOptions) (int64, error)
	Fetch(ctx context.Context, queueName string, batch int) ([]Job, error)
	MarkDone(ctx context.Context, jobID int64) error
	MarkFailed(ctx context.Context, jobID int64, errMsg string, retryAfter time.Duration) error
	GetQueueStatus(ctx context.Context, queueName string) (QueueStatus, error)
}
