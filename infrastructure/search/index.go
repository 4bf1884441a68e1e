package search

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Index is the transport to the search engine backing the offers index:
// upsert/delete by id, and the three aggregate queries. A real deployment
// wires this to a hosted search engine client; InMemoryIndex is the
// dependency-free fallback used in tests and in any environment without
// one configured.
type Index interface {
	Configure(ctx context.Context, cfg IndexConfig) error
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids []string) error
	SearchServices(ctx context.Context, q string, sortMode SortMode, page Pagination) ([]ServiceAggregate, error)
	SearchCountries(ctx context.Context, serviceSlug, q string) ([]CountryAggregate, error)
	SearchProviders(ctx context.Context, serviceSlug, countryCode string) ([]Document, error)
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeDocumentID lowercases and strips non-alphanumerics, folding in
// the operator so two offers for the same provider/country/service but
// distinct operators never collide.
func NormalizeDocumentID(provider, countryCode, serviceSlug, operatorID string) string {
	raw := provider + countryCode + serviceSlug + operatorID
	return nonAlphanumeric.ReplaceAllString(strings.ToLower(raw), "")
}

// InMemoryIndex is a dependency-free Index backed by a plain map, used when
// no external search engine is configured.
type InMemoryIndex struct {
	docs map[string]Document
}

// NewInMemoryIndex builds an empty InMemoryIndex.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{docs: make(map[string]Document)}
}

func (idx *InMemoryIndex) Configure(ctx context.Context, cfg IndexConfig) error {
	return nil
}

func (idx *InMemoryIndex) Upsert(ctx context.Context, docs []Document) error {
	for _, d := range docs {
		idx.docs[d.ID] = d
	}
	return nil
}

func (idx *InMemoryIndex) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(idx.docs, id)
	}
	return nil
}

func (idx *InMemoryIndex) SearchServices(ctx context.Context, q string, sortMode SortMode, page Pagination) ([]ServiceAggregate, error) {
	byService := make(map[string]*ServiceAggregate)
	providers := make(map[string]map[string]bool)
	needle := strings.ToLower(strings.TrimSpace(q))

	for _, d := range idx.docs {
		if needle != "" && !strings.Contains(strings.ToLower(d.ServiceName), needle) &&
			!strings.Contains(strings.ToLower(d.ServiceSlug), needle) {
			continue
		}
		agg, ok := byService[d.ServiceSlug]
		if !ok {
			agg = &ServiceAggregate{ServiceSlug: d.ServiceSlug, ServiceName: d.ServiceName, IconURL: d.IconURL, LowestPrice: d.Price}
			byService[d.ServiceSlug] = agg
			providers[d.ServiceSlug] = make(map[string]bool)
		}
		agg.TotalStock += d.Stock
		if lower(d.Price, agg.LowestPrice) {
			agg.LowestPrice = d.Price
		}
		providers[d.ServiceSlug][d.Provider] = true
	}

	out := make([]ServiceAggregate, 0, len(byService))
	for slug, agg := range byService {
		agg.ProviderCount = len(providers[slug])
		out = append(out, *agg)
	}
	sortServiceAggregates(out, sortMode)
	return paginateServices(out, page), nil
}

func (idx *InMemoryIndex) SearchCountries(ctx context.Context, serviceSlug, q string) ([]CountryAggregate, error) {
	byCountry := make(map[string]*CountryAggregate)
	providers := make(map[string]map[string]bool)

	for _, d := range idx.docs {
		if d.ServiceSlug != serviceSlug {
			continue
		}
		agg, ok := byCountry[d.CountryCode]
		if !ok {
			agg = &CountryAggregate{CountryCode: d.CountryCode, CountryName: d.CountryName, FlagURL: d.FlagURL, LowestPrice: d.Price}
			byCountry[d.CountryCode] = agg
			providers[d.CountryCode] = make(map[string]bool)
		}
		agg.TotalStock += d.Stock
		if lower(d.Price, agg.LowestPrice) {
			agg.LowestPrice = d.Price
		}
		providers[d.CountryCode][d.Provider] = true
	}

	out := make([]CountryAggregate, 0, len(byCountry))
	for code, agg := range byCountry {
		agg.ProviderCount = len(providers[code])
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CountryName < out[j].CountryName })
	return out, nil
}

func (idx *InMemoryIndex) SearchProviders(ctx context.Context, serviceSlug, countryCode string) ([]Document, error) {
	var out []Document
	for _, d := range idx.docs {
		if d.ServiceSlug == serviceSlug && d.CountryCode == countryCode {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return lower(out[i].Price, out[j].Price)
		}
		return out[i].Stock > out[j].Stock
	})
	return out, nil
}

func sortServiceAggregates(rows []ServiceAggregate, mode SortMode) {
	switch mode {
	case SortPrice:
		sort.Slice(rows, func(i, j int) bool { return lower(rows[i].LowestPrice, rows[j].LowestPrice) })
	case SortStock:
		sort.Slice(rows, func(i, j int) bool { return rows[i].TotalStock > rows[j].TotalStock })
	default:
		sort.Slice(rows, func(i, j int) bool { return rows[i].ServiceName < rows[j].ServiceName })
	}
}

func paginateServices(rows []ServiceAggregate, page Pagination) []ServiceAggregate {
	offset, limit := page.offsetLimit()
	if offset >= len(rows) {
		return []ServiceAggregate{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func lower(a, b string) bool {
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return da.LessThan(db)
}
