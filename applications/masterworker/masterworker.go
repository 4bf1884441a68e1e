// Package masterworker implements the scheduler tick that ties the
// independent maintenance loops together: outbox dispatch, inbox polling,
// notification delivery, and reservation cleanup run in sequence every
// tick, and the tick re-runs immediately (turbo) if any bucket did work.
package masterworker

import (
	"context"
	"time"

	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/infrastructure/queue"
)

// Counts is the aggregate result of one tick, one field per bucket.
type Counts struct {
	OutboxDispatched    int
	NumbersPolled       int
	NotificationsSent   int
	ReservationsExpired int
}

// Total is used to decide between a turbo re-run and the idle delay.
func (c Counts) Total() int {
	return c.OutboxDispatched + c.NumbersPolled + c.NotificationsSent + c.ReservationsExpired
}

// OutboxDispatcher is the domain/outbox.Dispatcher surface this worker needs.
type OutboxDispatcher interface {
	Tick(ctx context.Context) (int, error)
}

// Poller is the applications/poller.Poller surface this worker needs.
type Poller interface {
	Tick(ctx context.Context) (int, error)
}

// ReservationRepository expires stale offer reservations and restores stock.
type ReservationRepository interface {
	ExpireStaleReservations(ctx context.Context, now time.Time) (int, error)
}

// NotificationHandler delivers one notification-delivery job. Actual
// delivery transports (email, SMS, webhook callbacks to end users) are
// outside this package; callers supply the handler that knows how.
type NotificationHandler func(ctx context.Context, job queue.Job) error

// Config tunes the notification-delivery batch size and the idle delay
// between ticks when a tick did no work.
type Config struct {
	NotificationBatch int
	IdleDelay         time.Duration
}

// DefaultConfig matches the master-worker queue's once-a-minute cron cadence
// as the idle fallback; a tick that did work re-runs immediately instead.
func DefaultConfig() Config {
	return Config{
		NotificationBatch: 50,
		IdleDelay:         time.Minute,
	}
}

// Worker drives one tick's sequence of buckets.
type Worker struct {
	outbox       OutboxDispatcher
	poller       Poller
	queue        queue.Queue
	notify       NotificationHandler
	reservations ReservationRepository
	logger       *logging.Logger
	cfg          Config
}

// New builds a Worker. Any dependency may be nil to disable its bucket,
// which keeps the tick usable from tests that only care about a subset.
func New(outbox OutboxDispatcher, poller Poller, q queue.Queue, notify NotificationHandler, reservations ReservationRepository, logger *logging.Logger, cfg Config) *Worker {
	return &Worker{
		outbox:       outbox,
		poller:       poller,
		queue:        q,
		notify:       notify,
		reservations: reservations,
		logger:       logger,
		cfg:          cfg,
	}
}

// Tick runs every configured bucket once, in spec order, and aggregates
// their counts. A bucket error is logged and that bucket contributes zero
// to the total rather than aborting the remaining buckets, since the
// buckets are independent: a failing poller shouldn't block reservation
// cleanup.
func (w *Worker) Tick(ctx context.Context) Counts {
	var c Counts

	if w.outbox != nil {
		n, err := w.outbox.Tick(ctx)
		if err != nil {
			w.logger.Error(ctx, "masterworker: outbox dispatch failed", err, nil)
		}
		c.OutboxDispatched = n
	}

	if w.poller != nil {
		n, err := w.poller.Tick(ctx)
		if err != nil {
			w.logger.Error(ctx, "masterworker: inbox poll failed", err, nil)
		}
		c.NumbersPolled = n
	}

	if w.queue != nil && w.notify != nil {
		n, err := w.deliverNotifications(ctx)
		if err != nil {
			w.logger.Error(ctx, "masterworker: notification delivery failed", err, nil)
		}
		c.NotificationsSent = n
	}

	if w.reservations != nil {
		n, err := w.reservations.ExpireStaleReservations(ctx, time.Now())
		if err != nil {
			w.logger.Error(ctx, "masterworker: reservation cleanup failed", err, nil)
		}
		c.ReservationsExpired = n
	}

	return c
}

func (w *Worker) deliverNotifications(ctx context.Context) (int, error) {
	jobs, err := w.queue.Fetch(ctx, string(queue.QueueNotificationDeliv), w.cfg.NotificationBatch)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, job := range jobs {
		if err := w.notify(ctx, job); err != nil {
			_ = w.queue.MarkFailed(ctx, job.ID, err.Error(), backoffForAttempt(job.Attempts))
			continue
		}
		if err := w.queue.MarkDone(ctx, job.ID); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// backoffForAttempt mirrors the queue package's own webhook/job retry
// ladder; duplicated here rather than exported since it's an implementation
// detail of job delivery, not part of the queue's public surface.
func backoffForAttempt(attempts int) time.Duration {
	schedule := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 6 * time.Hour}
	if attempts <= 0 {
		return schedule[0]
	}
	if attempts >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempts]
}

// Run loops Tick until ctx is cancelled: turbo (run again immediately) if
// the tick did any work, otherwise wait cfg.IdleDelay.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		counts := w.Tick(ctx)
		if counts.Total() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.IdleDelay):
		}
	}
}
