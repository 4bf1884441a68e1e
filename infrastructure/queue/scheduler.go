package queue

import (
	"context"

	"github.com/robfig/cron/v3"
)

// QueueName identifies one of the registered durable queues.
type QueueName string

const (
	QueueProviderSync      QueueName = "provider-sync"
	QueueScheduledSync     QueueName = "scheduled-sync"
	QueueLifecycleCleanup  QueueName = "lifecycle-cleanup"
	QueuePaymentReconcile  QueueName = "payment-reconcile"
	QueueNotificationDeliv QueueName = "notification-delivery"
	QueueWebhookProcessing QueueName = "webhook-processing"
	QueueMasterWorker      QueueName = "master-worker"
)

// cronSpec pairs a registered queue with the schedule that republishes an
// empty-payload tick to it.
type cronSpec struct {
	queue QueueName
	expr  string
}

// defaultSchedule mirrors the registered queue table: scheduled-sync runs
// daily at midnight, lifecycle-cleanup every 10 minutes, payment-reconcile
// every 15 minutes, master-worker every minute. provider-sync,
// notification-delivery and webhook-processing are published on demand by
// their respective call sites rather than on a timer.
func defaultSchedule() []cronSpec {
	return []cronSpec{
		{QueueScheduledSync, "0 0 * * *"},
		{QueueLifecycleCleanup, "*/10 * * * *"},
		{QueuePaymentReconcile, "*/15 * * * *"},
		{QueueMasterWorker, "* * * * *"},
	}
}

// Scheduler republishes empty-payload ticks to the timer-driven queues on
// their registered cron schedule.
type Scheduler struct {
	cron  *cron.Cron
	queue Queue
}

// NewScheduler builds a Scheduler wired to the default registered-queue
// schedule. Call Schedule with additional specs before Start to add more.
func NewScheduler(q Queue) *Scheduler {
	s := &Scheduler{cron: cron.New(), queue: q}
	for _, spec := range defaultSchedule() {
		s.Schedule(spec.queue, spec.expr)
	}
	return s
}

// Schedule registers a recurring publish of an empty payload to queueName
// on the given cron expression.
func (s *Scheduler) Schedule(queueName QueueName, cronExpr string) {
	s.cron.AddFunc(cronExpr, func() {
		_, _ = s.queue.Publish(context.Background(), string(queueName), nil, PublishOptions{})
	})
}

// Start begins the cron scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight publish to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
