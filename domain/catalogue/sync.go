package catalogue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/numhub/domain/outbox"
	"github.com/R3E-Network/numhub/domain/provider"
	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/pkg/money"
)

const (
	defaultRequestsPerMinute = 180
	defaultConcurrency       = 50
	pricingChunkSize         = 1000
)

// AggregateRepository refreshes the search-facing ServiceAggregate/
// CountryAggregate rows and prunes stale state (step 4-5 of the sync
// pipeline).
type AggregateRepository interface {
	RefreshServiceAggregates(ctx context.Context) error
	RefreshCountryAggregates(ctx context.Context) error
	PruneDisabledProviderOffers(ctx context.Context) (int64, error)
	PruneOrphanedIconAssets(ctx context.Context) (int64, error)
}

// Syncer runs the per-provider catalogue sync pipeline.
type Syncer struct {
	repo       provider.Repository
	aggregates AggregateRepository
	events     outbox.Writer
	limiter    *rate.Limiter
	semaphore  chan struct{}
	logger     *logging.Logger
}

// NewSyncer builds a Syncer with the default 180 req/min, concurrency-50 rate
// budget for price sync fan-out across a provider's countries.
func NewSyncer(repo provider.Repository, aggregates AggregateRepository, events outbox.Writer, logger *logging.Logger) *Syncer {
	return &Syncer{
		repo:       repo,
		aggregates: aggregates,
		events:     events,
		limiter:    rate.NewLimiter(rate.Limit(float64(defaultRequestsPerMinute)/60.0), defaultRequestsPerMinute),
		semaphore:  make(chan struct{}, defaultConcurrency),
		logger:     logger,
	}
}

// SyncProvider runs the full pipeline for one provider. A per-provider
// failure marks the provider's syncState=failed and returns the error; the
// caller (the scheduled-sync job) is responsible for not letting one
// provider's failure abort the others.
func (s *Syncer) SyncProvider(ctx context.Context, rec provider.Provider, engine *provider.Engine) error {
	if err := s.syncMetadata(ctx, rec, engine); err != nil {
		s.markFailed(ctx, rec.ID, err)
		return fmt.Errorf("metadata sync: %w", err)
	}

	balance, err := engine.GetBalance(ctx)
	if err != nil {
		s.markFailed(ctx, rec.ID, err)
		return fmt.Errorf("balance sync: %w", err)
	}

	if err := s.syncPrices(ctx, rec, engine); err != nil {
		s.markFailed(ctx, rec.ID, err)
		return fmt.Errorf("price sync: %w", err)
	}

	if err := s.repo.UpdateProviderSync(ctx, rec.ID, provider.SyncSuccess, "", balance); err != nil {
		return err
	}
	_ = s.events.Append(ctx, outbox.EventProviderSynced, rec.ID, map[string]interface{}{"providerId": rec.ID, "slug": rec.Slug})
	return nil
}

func (s *Syncer) markFailed(ctx context.Context, providerID string, cause error) {
	_ = s.repo.UpdateProviderSync(ctx, providerID, provider.SyncFailed, cause.Error(), decimal.Zero)
}

// syncMetadata fetches and upserts countries and services. The 24h
// cache-and-sanity-check behavior lives inside Engine.GetCountries itself;
// this step only needs to persist whatever the engine returns.
func (s *Syncer) syncMetadata(ctx context.Context, rec provider.Provider, engine *provider.Engine) error {
	countries, err := engine.GetCountries(ctx)
	if err != nil {
		return err
	}
	rows := make([]provider.ProviderCountry, 0, len(countries))
	for _, c := range countries {
		rows = append(rows, provider.ProviderCountry{
			ID:            uuid.NewString(),
			ProviderID:    rec.ID,
			ExternalID:    c.ExternalID,
			CanonicalName: c.Name,
			Code:          c.Code,
			FlagURL:       c.FlagURL,
		})
	}
	if err := s.repo.ReplaceProviderCountries(ctx, rec.ID, rows); err != nil {
		return err
	}

	services, err := engine.GetServices(ctx, "")
	if err != nil {
		return err
	}
	serviceRows := make([]provider.ProviderService, 0, len(services))
	for _, svc := range services {
		serviceRows = append(serviceRows, provider.ProviderService{
			ID:            uuid.NewString(),
			ProviderID:    rec.ID,
			ExternalID:    svc.ExternalID,
			CanonicalName: svc.Name,
			Code:          svc.Code,
			IconURL:       svc.IconURL,
		})
	}
	return s.repo.ReplaceProviderServices(ctx, rec.ID, serviceRows)
}

// syncPrices fans price fetches out across a provider's countries with a
// bounded-concurrency, rate-limited worker pool, then chunk-upserts the
// results and emits one offer.upserted outbox event per chunk.
func (s *Syncer) syncPrices(ctx context.Context, rec provider.Provider, engine *provider.Engine) error {
	countries, err := engine.GetCountries(ctx)
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		allRows []provider.ProviderPricing
	)

	for _, country := range countries {
		country := country
		wg.Add(1)
		s.semaphore <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.semaphore }()

			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			rows, err := engine.GetPrices(ctx, country.Code, "")
			if err != nil {
				if s.logger != nil {
					s.logger.Warn(ctx, "price sync: country failed", map[string]interface{}{
						"provider": rec.Slug, "country": country.Code, "error": err.Error(),
					})
				}
				return
			}
			converted := s.convertPricing(rec, rows)

			mu.Lock()
			allRows = append(allRows, converted...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for start := 0; start < len(allRows); start += pricingChunkSize {
		end := start + pricingChunkSize
		if end > len(allRows) {
			end = len(allRows)
		}
		chunk := allRows[start:end]
		if err := s.repo.UpsertPricing(ctx, chunk); err != nil {
			return err
		}
		_ = s.events.Append(ctx, outbox.EventOfferUpdated, rec.ID, map[string]interface{}{
			"providerId": rec.ID, "count": len(chunk),
		})
	}

	ids := make([]string, 0, len(allRows))
	for _, row := range allRows {
		ids = append(ids, row.ID)
	}
	return s.repo.MarkPricingDeleted(ctx, rec.ID, ids)
}

// convertPricing filters zero-stock rows and applies the sell-price formula
// with currency normalization.
func (s *Syncer) convertPricing(rec provider.Provider, rows []provider.PriceRow) []provider.ProviderPricing {
	out := make([]provider.ProviderPricing, 0, len(rows))
	for _, row := range rows {
		if row.Count <= 0 {
			continue
		}
		normalized := normalize(rec, row.Cost)
		usePoints := rec.NormalizationMode == provider.NormalizeSmartAuto
		sellPrice := money.SellPrice(normalized, rec.PriceMultiplier, rec.FixedMarkup, usePoints)

		out = append(out, provider.ProviderPricing{
			ID:          uuid.NewString(),
			ProviderID:  rec.ID,
			CountryCode: row.Country,
			ServiceCode: row.Service,
			OperatorID:  row.Operator,
			RawCost:     row.Cost,
			SellPrice:   sellPrice,
			Stock:       row.Count,
		})
	}
	return out
}

func normalize(rec provider.Provider, rawCost decimal.Decimal) decimal.Decimal {
	switch rec.NormalizationMode {
	case provider.NormalizeManual:
		return money.NormalizeManual(rawCost, rec.ManualRate)
	case provider.NormalizeSmartAuto:
		// depositReceived/depositSpent are tracked per-provider outside this
		// package (wallet-funded deposit ledger); until that wiring lands the
		// effective rate is treated as 1, matching direct normalization.
		return money.NormalizeSmartAuto(rawCost, decimal.New(1, 0), decimal.New(1, 0), rec.PointsRate)
	default:
		return money.NormalizeDirect(rawCost)
	}
}

// RunIntegrityPass prunes orphaned icon assets and offers for providers that
// are no longer active.
func (s *Syncer) RunIntegrityPass(ctx context.Context) error {
	if _, err := s.aggregates.PruneDisabledProviderOffers(ctx); err != nil {
		return err
	}
	if _, err := s.aggregates.PruneOrphanedIconAssets(ctx); err != nil {
		return err
	}
	return nil
}

// RefreshAggregates recomputes ServiceAggregate and CountryAggregate.
func (s *Syncer) RefreshAggregates(ctx context.Context) error {
	if err := s.aggregates.RefreshServiceAggregates(ctx); err != nil {
		return err
	}
	return s.aggregates.RefreshCountryAggregates(ctx)
}
