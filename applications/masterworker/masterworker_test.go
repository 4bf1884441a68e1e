package masterworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/infrastructure/queue"
)

type fakeOutbox struct {
	n   int
	err error
}

func (f *fakeOutbox) Tick(ctx context.Context) (int, error) { return f.n, f.err }

type fakePoller struct {
	n   int
	err error
}

func (f *fakePoller) Tick(ctx context.Context) (int, error) { return f.n, f.err }

type fakeReservations struct {
	n   int
	err error
}

func (f *fakeReservations) ExpireStaleReservations(ctx context.Context, now time.Time) (int, error) {
	return f.n, f.err
}

type fakeQueue struct {
	jobs   []queue.Job
	done   []int64
	failed []int64
}

func (f *fakeQueue) Publish(ctx context.Context, queueName string, payload []byte, opts queue.PublishOptions) (int64, error) {
	return 0, nil
}
func (f *fakeQueue) Fetch(ctx context.Context, queueName string, batch int) ([]queue.Job, error) {
	return f.jobs, nil
}
func (f *fakeQueue) MarkDone(ctx context.Context, jobID int64) error {
	f.done = append(f.done, jobID)
	return nil
}
func (f *fakeQueue) MarkFailed(ctx context.Context, jobID int64, errMsg string, retryAfter time.Duration) error {
	f.failed = append(f.failed, jobID)
	return nil
}
func (f *fakeQueue) GetQueueStatus(ctx context.Context, queueName string) (queue.QueueStatus, error) {
	return queue.QueueStatus{}, nil
}

func testLogger() *logging.Logger { return logging.New("test", "error", "json") }

func TestTick_AggregatesCountsAcrossBuckets(t *testing.T) {
	q := &fakeQueue{jobs: []queue.Job{{ID: 1}, {ID: 2}}}
	w := New(&fakeOutbox{n: 3}, &fakePoller{n: 4}, q, func(ctx context.Context, job queue.Job) error { return nil },
		&fakeReservations{n: 2}, testLogger(), DefaultConfig())

	counts := w.Tick(context.Background())

	assert.Equal(t, 3, counts.OutboxDispatched)
	assert.Equal(t, 4, counts.NumbersPolled)
	assert.Equal(t, 2, counts.NotificationsSent)
	assert.Equal(t, 2, counts.ReservationsExpired)
	assert.Equal(t, 11, counts.Total())
	assert.ElementsMatch(t, []int64{1, 2}, q.done)
}

func TestTick_MarksFailedNotificationsAndContinuesOtherBuckets(t *testing.T) {
	q := &fakeQueue{jobs: []queue.Job{{ID: 1, Attempts: 0}}}
	handlerErr := errors.New("delivery unavailable")
	w := New(&fakeOutbox{n: 1}, &fakePoller{n: 1}, q, func(ctx context.Context, job queue.Job) error { return handlerErr },
		&fakeReservations{n: 1}, testLogger(), DefaultConfig())

	counts := w.Tick(context.Background())

	assert.Equal(t, 0, counts.NotificationsSent)
	assert.Equal(t, 1, counts.OutboxDispatched)
	assert.Equal(t, 1, counts.ReservationsExpired)
	assert.ElementsMatch(t, []int64{1}, q.failed)
	assert.Empty(t, q.done)
}

func TestTick_BucketErrorDoesNotBlockOtherBuckets(t *testing.T) {
	w := New(&fakeOutbox{err: errors.New("db down")}, &fakePoller{n: 5}, nil, nil,
		&fakeReservations{n: 2}, testLogger(), DefaultConfig())

	counts := w.Tick(context.Background())

	assert.Equal(t, 0, counts.OutboxDispatched)
	assert.Equal(t, 5, counts.NumbersPolled)
	assert.Equal(t, 2, counts.ReservationsExpired)
}

func TestTick_NilDependencyDisablesItsBucket(t *testing.T) {
	w := New(nil, nil, nil, nil, nil, testLogger(), DefaultConfig())

	counts := w.Tick(context.Background())

	require.Equal(t, Counts{}, counts)
}

func TestRun_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(&fakeOutbox{}, &fakePoller{}, nil, nil, &fakeReservations{}, testLogger(), Config{IdleDelay: time.Millisecond})

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
