package catalogue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/numhub/domain/outbox"
	"github.com/R3E-Network/numhub/domain/provider"
)

func testProviderConfig(baseURL string) provider.ProviderConfig {
	return provider.ProviderConfig{
		Slug:            "test-provider",
		BaseURL:         baseURL,
		AuthType:        provider.AuthQueryParam,
		AuthParamName:   "api_key",
		PriceMultiplier: decimal.New(1, 0),
		Endpoints: map[string]provider.EndpointTemplate{
			provider.OpGetCountries: {Method: http.MethodGet, Path: "/countries"},
			provider.OpGetServices:  {Method: http.MethodGet, Path: "/services"},
			provider.OpGetPrices:    {Method: http.MethodGet, Path: "/prices/{country}"},
			provider.OpGetBalance:   {Method: http.MethodGet, Path: "/balance"},
		},
		Mappings: map[string]provider.ResponseMapping{
			provider.OpGetCountries: {
				Type:     provider.MappingJSONArray,
				RootPath: "countries",
				Fields: map[string]provider.FieldRule{
					"externalId": {Path: "id"},
					"name":       {Path: "name"},
					"code":       {Path: "code"},
				},
			},
			provider.OpGetServices: {
				Type:     provider.MappingJSONArray,
				RootPath: "services",
				Fields: map[string]provider.FieldRule{
					"externalId": {Path: "id"},
					"name":       {Path: "name"},
					"code":       {Path: "code"},
				},
			},
			provider.OpGetPrices: {
				Type:     provider.MappingJSONArray,
				RootPath: "prices",
				Fields: map[string]provider.FieldRule{
					"country":  {Path: "country"},
					"service":  {Path: "service"},
					"operator": {Path: "operator"},
					"cost":     {Path: "cost", Transform: "number"},
					"count":    {Path: "count", Transform: "int"},
				},
			},
			provider.OpGetBalance: {
				Type:     provider.MappingJSONValue,
				RootPath: "balance",
			},
		},
	}
}

type fakeProviderRepo struct {
	countries []provider.ProviderCountry
	services  []provider.ProviderService
	pricing   []provider.ProviderPricing
	synced    provider.SyncState
	syncErr   string
	balance   decimal.Decimal
}

func (f *fakeProviderRepo) ListProviders(ctx context.Context) ([]provider.Provider, error) { return nil, nil }
func (f *fakeProviderRepo) GetProvider(ctx context.Context, id string) (*provider.Provider, error) {
	return nil, nil
}
func (f *fakeProviderRepo) GetProviderBySlug(ctx context.Context, slug string) (*provider.Provider, error) {
	return nil, nil
}
func (f *fakeProviderRepo) UpsertProvider(ctx context.Context, cfg provider.ProviderConfig) (string, error) {
	return "provider-1", nil
}
func (f *fakeProviderRepo) UpdateProviderSync(ctx context.Context, id string, state provider.SyncState, syncErr string, balance decimal.Decimal) error {
	f.synced = state
	f.syncErr = syncErr
	f.balance = balance
	return nil
}
func (f *fakeProviderRepo) ReplaceProviderCountries(ctx context.Context, providerID string, countries []provider.ProviderCountry) error {
	f.countries = countries
	return nil
}
func (f *fakeProviderRepo) ReplaceProviderServices(ctx context.Context, providerID string, services []provider.ProviderService) error {
	f.services = services
	return nil
}
func (f *fakeProviderRepo) UpsertPricing(ctx context.Context, rows []provider.ProviderPricing) error {
	f.pricing = append(f.pricing, rows...)
	return nil
}
func (f *fakeProviderRepo) MarkPricingDeleted(ctx context.Context, providerID string, exceptIDs []string) error {
	return nil
}
func (f *fakeProviderRepo) ListPricingByProvider(ctx context.Context, providerID string) ([]provider.ProviderPricing, error) {
	return f.pricing, nil
}
func (f *fakeProviderRepo) FindOffer(ctx context.Context, countryCode, serviceCode, providerSlug string) (*provider.ProviderPricing, *provider.Provider, error) {
	return nil, nil, nil
}
func (f *fakeProviderRepo) CreateReservation(ctx context.Context, r *provider.OfferReservation) error {
	return nil
}
func (f *fakeProviderRepo) ExpireStaleReservations(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type fakeAggregateRepo struct {
	refreshedServices  bool
	refreshedCountries bool
	pruned             bool
}

func (f *fakeAggregateRepo) RefreshServiceAggregates(ctx context.Context) error {
	f.refreshedServices = true
	return nil
}
func (f *fakeAggregateRepo) RefreshCountryAggregates(ctx context.Context) error {
	f.refreshedCountries = true
	return nil
}
func (f *fakeAggregateRepo) PruneDisabledProviderOffers(ctx context.Context) (int64, error) {
	f.pruned = true
	return 0, nil
}
func (f *fakeAggregateRepo) PruneOrphanedIconAssets(ctx context.Context) (int64, error) {
	return 0, nil
}

type fakeOutboxWriter struct {
	events []outbox.EventType
}

func (f *fakeOutboxWriter) Append(ctx context.Context, eventType outbox.EventType, aggregateID string, payload interface{}) error {
	f.events = append(f.events, eventType)
	return nil
}

func TestSyncProvider_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/countries":
			w.Write([]byte(`{"countries": [{"id": "1", "name": "United States", "code": "us"}]}`))
		case "/services":
			w.Write([]byte(`{"services": [{"id": "10", "name": "Telegram", "code": "tg"}]}`))
		case "/prices/us":
			w.Write([]byte(`{"prices": [{"country": "us", "service": "tg", "operator": "any", "cost": 1.0, "count": 5}]}`))
		case "/balance":
			w.Write([]byte(`{"balance": 100.5}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	engine := provider.NewEngine(testProviderConfig(srv.URL), []string{"secret"})
	repo := &fakeProviderRepo{}
	aggregates := &fakeAggregateRepo{}
	events := &fakeOutboxWriter{}
	syncer := NewSyncer(repo, aggregates, events, nil)

	rec := provider.Provider{
		ID:                "p1",
		Slug:              "test-provider",
		PriceMultiplier:   decimal.New(2, 0),
		NormalizationMode: provider.NormalizeDirect,
	}

	err := syncer.SyncProvider(context.Background(), rec, engine)
	require.NoError(t, err)

	assert.Equal(t, provider.SyncSuccess, repo.synced)
	require.Len(t, repo.countries, 1)
	require.Len(t, repo.services, 1)
	require.Len(t, repo.pricing, 1)
	assert.True(t, repo.pricing[0].SellPrice.Equal(decimal.New(2, 0)))
	assert.Contains(t, events.events, outbox.EventOfferUpdated)
	assert.Contains(t, events.events, outbox.EventProviderSynced)
}

func TestSyncProvider_MetadataFailureMarksProviderFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`boom`))
	}))
	defer srv.Close()

	engine := provider.NewEngine(testProviderConfig(srv.URL), []string{"secret"})
	repo := &fakeProviderRepo{}
	aggregates := &fakeAggregateRepo{}
	events := &fakeOutboxWriter{}
	syncer := NewSyncer(repo, aggregates, events, nil)

	rec := provider.Provider{ID: "p1", Slug: "test-provider"}
	err := syncer.SyncProvider(context.Background(), rec, engine)
	require.Error(t, err)
	assert.Equal(t, provider.SyncFailed, repo.synced)
}

func TestRefreshAggregates_CallsBoth(t *testing.T) {
	aggregates := &fakeAggregateRepo{}
	syncer := NewSyncer(&fakeProviderRepo{}, aggregates, &fakeOutboxWriter{}, nil)

	err := syncer.RefreshAggregates(context.Background())
	require.NoError(t, err)
	assert.True(t, aggregates.refreshedServices)
	assert.True(t, aggregates.refreshedCountries)
}

func TestRunIntegrityPass_PrunesDisabledProviders(t *testing.T) {
	aggregates := &fakeAggregateRepo{}
	syncer := NewSyncer(&fakeProviderRepo{}, aggregates, &fakeOutboxWriter{}, nil)

	err := syncer.RunIntegrityPass(context.Background())
	require.NoError(t, err)
	assert.True(t, aggregates.pruned)
}
