package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RejectsUnregisteredType(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(Type("made.up"), map[string]interface{}{})
	require.Error(t, err)
}

func TestDefaultRegistry_ValidatesRequiredKeys(t *testing.T) {
	r := DefaultRegistry()

	err := r.Validate(TypeWalletCredited, map[string]interface{}{"userId": "u1", "amount": 100})
	require.NoError(t, err)

	err = r.Validate(TypeWalletCredited, map[string]interface{}{"userId": "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount")
}

func TestDefaultRegistry_RejectsNonMapPayload(t *testing.T) {
	r := DefaultRegistry()
	err := r.Validate(TypeSMSReceived, "not a map")
	require.Error(t, err)
}

func TestNewEnvelope_StampsSchemaFields(t *testing.T) {
	env := NewEnvelope(1700000000000, TypeNumberReceived, UserRoom("u1"), map[string]interface{}{"numberId": "n1"}, Meta{Source: "poller"})
	assert.Equal(t, 1, env.V)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "user:u1", env.Room)
	assert.Equal(t, TypeNumberReceived, env.Type)
	assert.Equal(t, "poller", env.Meta.Source)
}
