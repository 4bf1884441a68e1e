// Package fanout publishes the typed event envelopes produced by every
// state-changing API call and worker tick to Redis: a pub/sub broadcast for
// all subscribers and, for user-scoped rooms, a bounded stream a client can
// replay from its last known id.
package fanout

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

const (
	globalChannel   = "events:global"
	userStreamMax   = 100
	streamKeyPrefix = "events:stream:"
)

// CacheInvalidator evicts cached response keys before an event publishes, so
// a client that refetches right after receiving the envelope never observes
// a stale cached value.
type CacheInvalidator interface {
	InvalidatePattern(pattern string)
}

// Publisher validates and ships envelopes to Redis pub/sub and, for
// user-scoped rooms, to a bounded Redis stream.
type Publisher struct {
	client     *redis.Client
	registry   *events.Registry
	invalidate CacheInvalidator
	logger     *logging.Logger
}

// NewPublisher builds a Publisher. invalidate may be nil if no dashboard
// cache is wired yet.
func NewPublisher(client *redis.Client, registry *events.Registry, invalidate CacheInvalidator, logger *logging.Logger) *Publisher {
	if registry == nil {
		registry = events.DefaultRegistry()
	}
	return &Publisher{client: client, registry: registry, invalidate: invalidate, logger: logger}
}

// Publish validates payload against the event's registered schema, evicts
// any cached keys for the room's owner, and ships the envelope to the
// global channel plus (for user rooms) the owner's bounded stream.
func (p *Publisher) Publish(ctx context.Context, eventType events.Type, room string, payload interface{}, meta events.Meta) error {
	if err := p.registry.Validate(eventType, payload); err != nil {
		return err
	}

	envelope := events.NewEnvelope(time.Now().UnixMilli(), eventType, room, payload, meta)

	if p.invalidate != nil {
		if userID, ok := userIDFromRoom(room); ok {
			p.invalidate.InvalidatePattern("dashboard:" + userID)
			p.invalidate.InvalidatePattern("balance:" + userID)
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, globalChannel, body).Err(); err != nil {
		p.logWarn(ctx, "pub/sub publish failed", err)
		return err
	}

	if userID, ok := userIDFromRoom(room); ok {
		if err := p.appendToUserStream(ctx, userID, envelope); err != nil {
			p.logWarn(ctx, "stream append failed", err)
			return err
		}
	}
	return nil
}

func (p *Publisher) appendToUserStream(ctx context.Context, userID string, envelope events.Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	key := streamKeyPrefix + "user:" + userID
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: userStreamMax,
		Approx: true,
		Values: map[string]interface{}{"envelope": body},
	}).Err()
}

func (p *Publisher) logWarn(ctx context.Context, message string, err error) {
	if p.logger != nil {
		p.logger.Error(ctx, message, err, nil)
	}
}

func userIDFromRoom(room string) (string, bool) {
	const prefix = "user:"
	if !strings.HasPrefix(room, prefix) {
		return "", false
	}
	return strings.TrimPrefix(room, prefix), true
}

// StreamSince reads a user's stream starting just after lastID for replay on
// client reconnect.
func (p *Publisher) StreamSince(ctx context.Context, userID, lastID string) ([]events.Envelope, error) {
	if lastID == "" {
		lastID = "0"
	}
	key := streamKeyPrefix + "user:" + userID
	results, err := p.client.XRange(ctx, key, "("+lastID, "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]events.Envelope, 0, len(results))
	for _, entry := range results {
		raw, ok := entry.Values["envelope"].(string)
		if !ok {
			continue
		}
		var envelope events.Envelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			continue
		}
		out = append(out, envelope)
	}
	return out, nil
}
