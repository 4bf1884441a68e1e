package events

import "fmt"

// Validator checks a decoded payload for one registered Type before it is
// allowed onto any transport.
type Validator func(payload interface{}) error

// Registry holds the payload validators for every publishable Type. An
// unregistered type is rejected outright: the fan-out layer never guesses
// at a payload shape it wasn't told about.
type Registry struct {
	validators map[Type]Validator
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[Type]Validator)}
}

// Register associates a Type with the Validator that checks its payload.
func (r *Registry) Register(eventType Type, validator Validator) {
	r.validators[eventType] = validator
}

// Validate rejects unknown types and delegates to the registered Validator
// for known ones.
func (r *Registry) Validate(eventType Type, payload interface{}) error {
	validator, ok := r.validators[eventType]
	if !ok {
		return fmt.Errorf("events: unregistered event type %q", eventType)
	}
	if validator == nil {
		return nil
	}
	return validator(payload)
}

// DefaultRegistry builds the registry for every Type this module publishes.
// Payloads are maps rather than structs at this layer since the publisher
// receives them already-marshaled-shaped from the domain services; each
// validator only checks the handful of keys a consumer actually reads.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	requireKeys := func(keys ...string) Validator {
		return func(payload interface{}) error {
			m, ok := payload.(map[string]interface{})
			if !ok {
				return fmt.Errorf("events: payload must be a map")
			}
			for _, k := range keys {
				if _, present := m[k]; !present {
					return fmt.Errorf("events: payload missing required key %q", k)
				}
			}
			return nil
		}
	}

	r.Register(TypeNumberPurchased, requireKeys("numberId", "userId", "price"))
	r.Register(TypeNumberReceived, requireKeys("numberId", "userId"))
	r.Register(TypeNumberCompleted, requireKeys("numberId", "userId"))
	r.Register(TypeNumberExpired, requireKeys("numberId", "userId"))
	r.Register(TypeNumberCancelled, requireKeys("numberId", "userId", "refundAmount"))
	r.Register(TypeWalletCredited, requireKeys("userId", "amount"))
	r.Register(TypeWalletDebited, requireKeys("userId", "amount"))
	r.Register(TypeSMSReceived, requireKeys("numberId", "userId", "messageId"))
	return r
}
