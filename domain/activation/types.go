package activation

import "time"

// NumberStatus mirrors State but describes the materialized Number
// projection used for fast listing; it never regresses from a
// terminal status.
type NumberStatus string

const (
	NumberActive    NumberStatus = "active"
	NumberReceived  NumberStatus = "received"
	NumberCompleted NumberStatus = "completed"
	NumberCancelled NumberStatus = "cancelled"
	NumberExpired   NumberStatus = "expired"
	NumberTimeout   NumberStatus = "timeout"
)

// terminalNumberStatuses are NumberStatus values with no further legal
// transition.
var terminalNumberStatuses = map[NumberStatus]bool{
	NumberCompleted: true,
	NumberCancelled: true,
	NumberExpired:   true,
	NumberTimeout:   true,
}

// IsNumberTerminal reports whether a Number's status can no longer change.
func IsNumberTerminal(status NumberStatus) bool {
	return terminalNumberStatuses[status]
}

// Activation is one record per purchase attempt.
type Activation struct {
	ID                 string
	UserID             string
	ProviderID         string
	Price              int64
	IdempotencyKey     string
	ReservedTxID       *string
	CapturedTxID       *string
	RefundTxID         *string
	State              State
	ServiceName        string
	CountryCode        string
	OperatorID         string
	ProviderActivationID string
	PhoneNumber        string
	ExpiresAt          time.Time
	NumberID           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Number is the materialized counterpart of an active activation.
type Number struct {
	ID           string
	ActivationID string
	PhoneNumber  string
	Status       NumberStatus
	ExpiresAt    time.Time
	ErrorCount   int
	NextPollAt   time.Time
	LastPolledAt *time.Time
	PollCount    int
	CreatedAt    time.Time
}

// SmsMessage is a single inbound SMS observed for a Number.
type SmsMessage struct {
	ID                  string // composite: {numberId}_{upstreamMessageId}
	NumberID            string
	UpstreamMessageID   string
	Sender              string
	Content             string
	ExtractedCode       *string
	ExtractionConfidence float64
	ReceivedAt          time.Time
	ContentHash         string
	Fingerprint         string
}
