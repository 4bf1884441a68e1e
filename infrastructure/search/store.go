package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/R3E-Network/numhub/infrastructure/cache"
)

const responseCacheTTL = 60 * time.Second

// Store is what every HTTP handler calls: an Index plus slug-alias
// resolution and a 60s response cache keyed by (query-hash, page, sort),
// matching the catalogue's cache window for the same read path.
type Store struct {
	index   Index
	aliases *AliasTable
	cache   *cache.TTLCache
}

// NewStore wires an Index with the default alias table and a fresh 60s
// response cache.
func NewStore(index Index, aliases *AliasTable) *Store {
	if aliases == nil {
		aliases = DefaultAliasTable()
	}
	return &Store{index: index, aliases: aliases, cache: cache.NewTTLCache(responseCacheTTL)}
}

// Configure pushes the index configuration (searchable/filterable
// attributes, ranking rules) to the backing Index.
func (s *Store) Configure(ctx context.Context) error {
	return s.index.Configure(ctx, DefaultIndexConfig())
}

// Upsert resolves each document's service slug/display name/icon through
// the alias table before indexing.
func (s *Store) Upsert(ctx context.Context, docs []Document) error {
	for i, d := range docs {
		canonical := s.aliases.Resolve(d.ServiceSlug)
		docs[i].ServiceSlug = canonical
		if name, icon, ok := s.aliases.Display(d.ServiceSlug); ok {
			docs[i].ServiceName = name
			if icon != "" {
				docs[i].IconURL = icon
			}
		}
	}
	return s.index.Upsert(ctx, docs)
}

// Delete removes documents by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	return s.index.Delete(ctx, ids)
}

// SearchServices serves a service search through the Index, caching the
// result for 60s keyed by (query hash, page, sort mode). Matching is up to
// the Index: InMemoryIndex, the only Index in this module, matches by
// case-insensitive substring and does not tolerate typos.
func (s *Store) SearchServices(ctx context.Context, q string, sortMode SortMode, page Pagination) ([]ServiceAggregate, error) {
	key := fmt.Sprintf("services:%s:%d:%d:%s", hashQuery(q), page.Page, page.PageSize, sortMode)
	if cached, ok := s.cache.Get(ctx, key); ok {
		return cached.([]ServiceAggregate), nil
	}
	rows, err := s.index.SearchServices(ctx, q, sortMode, page)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, rows)
	return rows, nil
}

// SearchCountries resolves serviceSlug through the alias table before
// delegating, per §4.5's slug-aliasing requirement.
func (s *Store) SearchCountries(ctx context.Context, serviceSlug, q string) ([]CountryAggregate, error) {
	canonical := s.aliases.Resolve(serviceSlug)
	key := fmt.Sprintf("countries:%s:%s", canonical, hashQuery(q))
	if cached, ok := s.cache.Get(ctx, key); ok {
		return cached.([]CountryAggregate), nil
	}
	rows, err := s.index.SearchCountries(ctx, canonical, q)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, rows)
	return rows, nil
}

// SearchProviders resolves serviceSlug through the alias table; individual
// offer rows are not cached since they back the purchase flow and must
// stay fresh.
func (s *Store) SearchProviders(ctx context.Context, serviceSlug, countryCode string) ([]Document, error) {
	canonical := s.aliases.Resolve(serviceSlug)
	return s.index.SearchProviders(ctx, canonical, countryCode)
}

func hashQuery(q string) string {
	sum := sha256.Sum256([]byte(q))
	return hex.EncodeToString(sum[:8])
}
