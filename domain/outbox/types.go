package outbox

import "time"

// EventType names the transactional-outbox row kinds the dispatcher knows
// how to route.
type EventType string

const (
	EventOfferCreated           EventType = "offer.created"
	EventOfferUpdated           EventType = "offer.updated"
	EventOfferDeleted           EventType = "offer.deleted"
	EventServiceAggregateUpdate EventType = "service_aggregate.updated"
	EventProviderSynced         EventType = "provider.synced"
	EventProviderRequest        EventType = "provider_request"
)

// maxRetries is the retry ceiling after which a row is considered
// dead-lettered: it stays in the table (for operator visibility) but the
// dispatcher stops attempting it.
const maxRetries = 5

// Event is one row written in the same DB transaction as the domain mutation
// that produced it, guaranteeing at-least-once delivery to downstream
// consumers (search index, metrics, admin audit, provider dispatch).
type Event struct {
	ID          int64
	EventType   EventType
	AggregateID string
	Payload     []byte
	Processed   bool
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// IsDeadLettered reports whether this row has exhausted its retry budget.
func (e Event) IsDeadLettered() bool {
	return !e.Processed && e.RetryCount >= maxRetries
}
