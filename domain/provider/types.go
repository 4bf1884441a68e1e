// Package provider implements the declarative provider config engine:
// endpoint template resolution and response-mapping interpretation that let a
// single adapter service dozens of heterogeneous upstream SMS-activation
// HTTP APIs.
package provider

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuthType selects how credentials are injected into an endpoint call.
type AuthType string

const (
	AuthNone      AuthType = "none"
	AuthQueryParam AuthType = "query-parameter"
	AuthHeader    AuthType = "header"
	AuthBearer    AuthType = "bearer"
)

// NormalizationMode selects how rawCost is converted to the display currency
// before margin is applied.
type NormalizationMode string

const (
	NormalizeDirect    NormalizationMode = "direct"
	NormalizeSmartAuto NormalizationMode = "smart-auto"
	NormalizeManual    NormalizationMode = "manual"
)

// SyncState tracks the provider's last catalogue sync outcome.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "syncing"
	SyncSuccess SyncState = "success"
	SyncFailed  SyncState = "failed"
)

// Provider is the declarative configuration for one upstream SMS-activation
// API. It is never destroyed in the hot path: deactivation is logical
// (Active=false), never a row delete.
type Provider struct {
	ID                 string
	Slug               string
	DisplayName        string
	BaseURL            string
	AuthType           AuthType
	AuthParamName      string
	CredentialEnvVars  []string
	CurrencyCode       string
	PriceMultiplier    decimal.Decimal
	FixedMarkup        decimal.Decimal
	NormalizationMode NormalizationMode
	PointsRate        decimal.Decimal
	ManualRate         decimal.Decimal
	Active             bool
	Priority           int
	LegacyMetadata     bool
	MetadataSnapshot   []byte
	LastMetadataSyncAt *time.Time
	LastBalanceSyncAt  *time.Time
	LastSyncAt         *time.Time
	Balance            decimal.Decimal
	SyncState          SyncState
	SyncError          string
}

// ProviderCountry is a per-provider country row keyed by (providerId, externalId).
type ProviderCountry struct {
	ID            string
	ProviderID    string
	ExternalID    string
	CanonicalName string
	Code          string
	FlagURL       string
	LastSyncAt    time.Time
}

// ProviderService is a per-provider service row keyed by (providerId, externalId).
type ProviderService struct {
	ID            string
	ProviderID    string
	ExternalID    string
	CanonicalName string
	Code          string
	IconURL       string
	LastSyncAt    time.Time
}

// ProviderPricing is the (provider, country, service, operator) offer tuple.
type ProviderPricing struct {
	ID          string
	ProviderID  string
	CountryCode string
	ServiceCode string
	OperatorID  string
	RawCost     decimal.Decimal
	SellPrice   decimal.Decimal
	Stock       int
	Deleted     bool
	LastSyncAt  time.Time
}

// OfferReservation is a soft hold against a ProviderPricing row's stock.
type OfferReservationState string

const (
	ReservationPending   OfferReservationState = "PENDING"
	ReservationConfirmed OfferReservationState = "CONFIRMED"
	ReservationExpired   OfferReservationState = "EXPIRED"
	ReservationCancelled OfferReservationState = "CANCELLED"
)

type OfferReservation struct {
	ID        string
	OfferID   string
	Quantity  int
	State     OfferReservationState
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Country and Service are the normalized results of a metadata fetch.
type Country struct {
	ExternalID string
	Name       string
	Code       string
	FlagURL    string
}

type Service struct {
	ExternalID string
	Name       string
	Code       string
	IconURL    string
}

// PriceRow is one normalized row from getPrices.
type PriceRow struct {
	Country  string
	Service  string
	Operator string
	Cost     decimal.Decimal
	Count    int
}

// NumberResult is the result of acquiring a phone number from getNumber.
type NumberResult struct {
	ActivationID string
	PhoneNumber  string
	Price        decimal.Decimal
}

// ActivationStatus is the upstream-reported status of an in-flight activation.
type ActivationStatus string

const (
	UpstreamPending   ActivationStatus = "pending"
	UpstreamReceived  ActivationStatus = "received"
	UpstreamCompleted ActivationStatus = "completed"
	UpstreamCancelled ActivationStatus = "cancelled"
)

// UpstreamMessage is one SMS as reported by getStatus.
type UpstreamMessage struct {
	ID     string
	Sender string
	Text   string
}

// StatusResult is the result of getStatus.
type StatusResult struct {
	Status   ActivationStatus
	Messages []UpstreamMessage
}

// WebhookPayload is the normalized result of parseWebhook.
type WebhookPayload struct {
	ActivationID string
	Status       ActivationStatus
	Messages     []UpstreamMessage
	Raw          []byte
}
