package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/numhub/domain/events"
)

func TestUserIDFromRoom(t *testing.T) {
	userID, ok := userIDFromRoom("user:abc-123")
	require.True(t, ok)
	assert.Equal(t, "abc-123", userID)

	_, ok = userIDFromRoom("order:xyz")
	assert.False(t, ok)
}

func TestPublish_RejectsUnvalidatedPayloadBeforeTouchingRedis(t *testing.T) {
	publisher := NewPublisher(nil, events.DefaultRegistry(), nil, nil)

	err := publisher.Publish(context.Background(), events.TypeWalletCredited, "user:u1", map[string]interface{}{}, events.Meta{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount")
}
