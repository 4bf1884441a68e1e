// Package events defines the typed envelope published after every
// state-changing API call and worker tick, and the registry that validates
// payloads before they ever reach a transport.
package events

import (
	"github.com/google/uuid"
)

// Type names a registered event kind, e.g. "number.received", "wallet.credited".
type Type string

const (
	TypeNumberPurchased Type = "number.purchased"
	TypeNumberReceived  Type = "number.received"
	TypeNumberCompleted Type = "number.completed"
	TypeNumberExpired   Type = "number.expired"
	TypeNumberCancelled Type = "number.cancelled"
	TypeWalletCredited  Type = "wallet.credited"
	TypeWalletDebited   Type = "wallet.debited"
	TypeSMSReceived     Type = "sms.received"
)

// Meta carries optional tracing context that rides alongside an envelope.
type Meta struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Envelope is the wire shape every publish call produces. Room scopes
// delivery: "user:{userId}" for per-user streams, "order:{activationId}" for
// a single in-flight purchase, etc.
type Envelope struct {
	V       int         `json:"v"`
	EventID string      `json:"eventId"`
	TS      int64       `json:"ts"`
	Type    Type        `json:"type"`
	Room    string      `json:"room"`
	Payload interface{} `json:"payload"`
	Seq     *int        `json:"seq,omitempty"`
	Meta    Meta        `json:"meta"`
}

// NewEnvelope stamps a fresh envelope with a random id and the given
// timestamp (callers supply ts so publishing stays reproducible in tests;
// production callers pass time.Now().UnixMilli()).
func NewEnvelope(ts int64, eventType Type, room string, payload interface{}, meta Meta) Envelope {
	return Envelope{
		V:       1,
		EventID: uuid.NewString(),
		TS:      ts,
		Type:    eventType,
		Room:    room,
		Payload: payload,
		Meta:    meta,
	}
}

// UserRoom and OrderRoom build the two room naming conventions the envelope
// schema defines.
func UserRoom(userID string) string {
	return "user:" + userID
}

func OrderRoom(activationID string) string {
	return "order:" + activationID
}
