// Package search indexes Offer documents and serves the catalogue's
// aggregate queries. An Index is the transport to a search engine; the only
// Index in this module, InMemoryIndex, matches by case-insensitive substring
// with no typo tolerance. Store wraps an Index with slug aliasing and a 60s
// response cache, the shape every HTTP handler actually calls.
package search

import "time"

// Document is the indexed unit: one provider's offer for one
// country/service/operator combination.
type Document struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	DisplayName      string    `json:"displayName"`
	CountryCode      string    `json:"countryCode"`
	CountryName      string    `json:"countryName"`
	FlagURL          string    `json:"flagUrl,omitempty"`
	ServiceSlug      string    `json:"serviceSlug"`
	ServiceName      string    `json:"serviceName"`
	IconURL          string    `json:"iconUrl,omitempty"`
	OperatorID       string    `json:"operatorId"`
	ExternalOperator string    `json:"externalOperator,omitempty"`
	Price            string    `json:"price"`
	Stock            int       `json:"stock"`
	LastSyncedAt     time.Time `json:"lastSyncedAt"`
}

// ServiceAggregate is one row of a searchServices result.
type ServiceAggregate struct {
	ServiceSlug   string `json:"serviceSlug"`
	ServiceName   string `json:"serviceName"`
	IconURL       string `json:"iconUrl,omitempty"`
	LowestPrice   string `json:"lowestPrice"`
	TotalStock    int    `json:"totalStock"`
	ProviderCount int    `json:"providerCount"`
}

// CountryAggregate is one row of a searchCountries result.
type CountryAggregate struct {
	CountryCode   string `json:"countryCode"`
	CountryName   string `json:"countryName"`
	FlagURL       string `json:"flagUrl,omitempty"`
	LowestPrice   string `json:"lowestPrice"`
	TotalStock    int    `json:"totalStock"`
	ProviderCount int    `json:"providerCount"`
}

// Pagination bounds a query result set.
type Pagination struct {
	Page     int
	PageSize int
}

func (p Pagination) normalized() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
	return p
}

func (p Pagination) offsetLimit() (offset, limit int) {
	p = p.normalized()
	return (p.Page - 1) * p.PageSize, p.PageSize
}

// SortMode orders a searchServices result when q is empty.
type SortMode string

const (
	SortRelevance SortMode = "relevance"
	SortName      SortMode = "name"
	SortPrice     SortMode = "price"
	SortStock     SortMode = "stock"
)

// IndexConfig mirrors the engine's searchable/filterable attribute and
// ranking-rule configuration.
type IndexConfig struct {
	SearchableAttributes []string
	FilterableAttributes []string
	RankingRules         []string
	Synonyms             map[string][]string
	StopWords            []string
}

// DefaultIndexConfig is the configuration every Index implementation is
// expected to apply to the offers index.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		SearchableAttributes: []string{"serviceName", "serviceSlug", "countryName", "countryCode", "provider", "displayName"},
		FilterableAttributes: []string{"serviceSlug", "serviceName", "countryCode", "countryName", "provider", "operatorId", "price", "stock", "lastSyncedAt"},
		RankingRules:         []string{"words", "typo", "proximity", "attribute", "sort", "exactness", "stock:desc", "lastSyncedAt:desc"},
		Synonyms:             map[string][]string{},
		StopWords:            []string{},
	}
}
