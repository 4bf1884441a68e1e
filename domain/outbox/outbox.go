package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// Repository persists and serves outbox rows. Writer is the narrow interface
// domain packages (catalogue, activation, provider) depend on so an event can
// be appended inside the same transaction as the mutation that produced it;
// Repository is the wider interface the dispatcher needs to drain the table.
type Writer interface {
	Append(ctx context.Context, eventType EventType, aggregateID string, payload interface{}) error
}

type Repository interface {
	Writer
	FetchBatch(ctx context.Context, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	OldestUnprocessedAge(ctx context.Context) (time.Duration, error)
	PendingCount(ctx context.Context) (int, error)
	PurgeProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Handler processes one dispatched event. Handlers are registered per
// EventType by the application wiring layer (search index upsert, metrics
// recording, provider-call enqueue, ...).
type Handler func(ctx context.Context, event Event) error

// Dispatcher polls Repository for unprocessed rows and routes them to the
// registered Handler by EventType.
type Dispatcher struct {
	repo     Repository
	handlers map[EventType]Handler
	batch    int
}

// NewDispatcher builds a Dispatcher with a per-tick fetch batch size.
func NewDispatcher(repo Repository, batch int) *Dispatcher {
	if batch <= 0 {
		batch = 100
	}
	return &Dispatcher{repo: repo, handlers: make(map[EventType]Handler), batch: batch}
}

// Register binds a Handler to an EventType. Calling Register twice for the
// same type replaces the earlier handler.
func (d *Dispatcher) Register(eventType EventType, handler Handler) {
	d.handlers[eventType] = handler
}

// Tick fetches one batch of unprocessed events ordered by ascending id and
// dispatches each by eventType, marking success/failure per row so one
// poisoned event cannot block the rest of the batch. It returns how many
// events were processed successfully this tick.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	events, err := d.repo.FetchBatch(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	var succeeded []int64
	for _, event := range events {
		handler, ok := d.handlers[event.EventType]
		if !ok {
			// No handler registered for this type: treat as processed so an
			// operator who hasn't wired a consumer yet doesn't pile up a DLQ.
			succeeded = append(succeeded, event.ID)
			continue
		}
		if err := handler(ctx, event); err != nil {
			_ = d.repo.MarkFailed(ctx, event.ID, err.Error())
			continue
		}
		succeeded = append(succeeded, event.ID)
	}

	if len(succeeded) > 0 {
		if err := d.repo.MarkProcessed(ctx, succeeded); err != nil {
			return 0, err
		}
	}
	return len(succeeded), nil
}

// Purge deletes processed rows older than age.
func (d *Dispatcher) Purge(ctx context.Context, age time.Duration) (int64, error) {
	return d.repo.PurgeProcessedOlderThan(ctx, age)
}

// Stats reports the pending count and oldest-unprocessed age for metrics.
func (d *Dispatcher) Stats(ctx context.Context) (pending int, lag time.Duration, err error) {
	pending, err = d.repo.PendingCount(ctx)
	if err != nil {
		return 0, 0, err
	}
	lag, err = d.repo.OldestUnprocessedAge(ctx)
	return pending, lag, err
}

// DecodePayload is a convenience helper for handlers that expect a JSON
// payload shape; event.Payload is opaque bytes at the repository layer.
func DecodePayload(event Event, out interface{}) error {
	return json.Unmarshal(event.Payload, out)
}
