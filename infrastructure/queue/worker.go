package queue

import (
	"context"
	"time"
)

// backoffSchedule mirrors the webhook-delivery retry ladder: 1, 5, 15, 60,
// 360 minutes, capped at the job's max_attempts.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	360 * time.Minute,
}

func backoffFor(attempts int) time.Duration {
	if attempts <= 0 {
		return backoffSchedule[0]
	}
	if attempts >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempts]
}

// Work polls queueName every pollInterval, fetching up to batch jobs and
// running handler on each. It blocks until ctx is cancelled, draining any
// job already claimed before returning.
func Work(ctx context.Context, q Queue, queueName string, batch int, pollInterval time.Duration, handler Handler) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runBatch(ctx, q, queueName, batch, handler)
		}
	}
}

func runBatch(ctx context.Context, q Queue, queueName string, batch int, handler Handler) {
	jobs, err := q.Fetch(ctx, queueName, batch)
	if err != nil || len(jobs) == 0 {
		return
	}
	for _, job := range jobs {
		if err := handler(ctx, job); err != nil {
			_ = q.MarkFailed(ctx, job.ID, err.Error(), backoffFor(job.Attempts))
			continue
		}
		_ = q.MarkDone(ctx, job.ID)
	}
}
