// Package catalogue brings each active provider's countries, services, and
// pricing to a consistent state and maintains the search-facing aggregates
// built on top of them.
package catalogue

import (
	"time"

	"github.com/shopspring/decimal"
)

// Offer is the search-facing document for one (provider, country, service,
// operator) tuple. ID is normalized lowercase with non-alphanumerics
// stripped, including the operator, so two providers selling the same
// (country, service, operator) never collide.
type Offer struct {
	ID               string
	ProviderSlug     string
	DisplayName      string
	CountryCode      string
	CountryName      string
	FlagURL          string
	ServiceSlug      string
	ServiceName      string
	IconURL          string
	OperatorID       string
	ExternalOperator string
	Price            decimal.Decimal
	Stock            int
	LastSyncedAt     time.Time
}

// ServiceAggregate summarizes all offers for one service across countries
// and providers, refreshed by a single SQL GROUP BY pass.
type ServiceAggregate struct {
	ServiceSlug   string
	ServiceName   string
	IconURL       string
	LowestPrice   decimal.Decimal
	TotalStock    int
	CountryCount  int
	ProviderCount int
	UpdatedAt     time.Time
}

// CountryAggregate summarizes offers for one (service, country) pair.
type CountryAggregate struct {
	ServiceSlug   string
	CountryCode   string
	CountryName   string
	FlagURL       string
	LowestPrice   decimal.Decimal
	TotalStock    int
	ProviderCount int
	UpdatedAt     time.Time
}
