package provider

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	apperrors "github.com/R3E-Network/numhub/infrastructure/errors"
)

// Repository persists provider configuration and the synced catalogue rows
// (countries, services, pricing) a catalogue sync pass refreshes.
type Repository interface {
	ListProviders(ctx context.Context) ([]Provider, error)
	GetProvider(ctx context.Context, id string) (*Provider, error)
	GetProviderBySlug(ctx context.Context, slug string) (*Provider, error)
	UpdateProviderSync(ctx context.Context, id string, state SyncState, syncErr string, balance decimal.Decimal) error

	// UpsertProvider registers or refreshes one provider from its declarative
	// config, keyed by slug so re-running config sync at every startup is
	// idempotent. Returns the row's id.
	UpsertProvider(ctx context.Context, cfg ProviderConfig) (string, error)

	ReplaceProviderCountries(ctx context.Context, providerID string, countries []ProviderCountry) error
	ReplaceProviderServices(ctx context.Context, providerID string, services []ProviderService) error
	UpsertPricing(ctx context.Context, rows []ProviderPricing) error
	MarkPricingDeleted(ctx context.Context, providerID string, exceptIDs []string) error

	ListPricingByProvider(ctx context.Context, providerID string) ([]ProviderPricing, error)

	// FindOffer picks the cheapest in-stock pricing row for a (country, service)
	// pair, optionally narrowed to one provider slug, returning the offer
	// together with its owning provider so a caller can resolve the Engine.
	FindOffer(ctx context.Context, countryCode, serviceCode, providerSlug string) (*ProviderPricing, *Provider, error)

	// CreateReservation inserts a PENDING hold and decrements the offer's
	// stock in the same transaction.
	CreateReservation(ctx context.Context, r *OfferReservation) error
	// ExpireStaleReservations moves every PENDING reservation whose
	// expiresAt has passed to EXPIRED and restores its quantity to the
	// offer's stock, returning the number of reservations expired.
	ExpireStaleReservations(ctx context.Context, now time.Time) (int, error)
}

// PostgresRepository implements Repository over the providers, provider_countries,
// provider_services, and provider_pricing tables.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a Postgres-backed provider repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, slug, display_name, base_url, auth_type, auth_param_name,
			currency_code, price_multiplier, fixed_markup, normalization_mode,
			points_rate, manual_rate, active, priority, legacy_metadata,
			balance, sync_state, coalesce(sync_error, '')
		FROM providers ORDER BY priority DESC, slug ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) GetProvider(ctx context.Context, id string) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, slug, display_name, base_url, auth_type, auth_param_name,
			currency_code, price_multiplier, fixed_markup, normalization_mode,
			points_rate, manual_rate, active, priority, legacy_metadata,
			balance, sync_state, coalesce(sync_error, '')
		FROM providers WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PostgresRepository) GetProviderBySlug(ctx context.Context, slug string) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, slug, display_name, base_url, auth_type, auth_param_name,
			currency_code, price_multiplier, fixed_markup, normalization_mode,
			points_rate, manual_rate, active, priority, legacy_metadata,
			balance, sync_state, coalesce(sync_error, '')
		FROM providers WHERE slug = $1
	`, slug)
	return scanProvider(row)
}

func (r *PostgresRepository) UpdateProviderSync(ctx context.Context, id string, state SyncState, syncErr string, balance decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE providers SET
			sync_state = $1, sync_error = $2, balance = $3,
			last_sync_at = now(), last_balance_sync_at = now()
		WHERE id = $4
	`, state, nullableString(syncErr), balance, id)
	return err
}

// UpsertProvider inserts or refreshes a provider row from its declarative
// config. A conflicting slug keeps its existing id, balance, and sync state
// so a config reload never disturbs a provider's live sync bookkeeping.
func (r *PostgresRepository) UpsertProvider(ctx context.Context, cfg ProviderConfig) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO providers (id, slug, display_name, base_url, auth_type, auth_param_name,
			currency_code, price_multiplier, fixed_markup, normalization_mode, points_rate,
			manual_rate, active, priority, legacy_metadata, balance, sync_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, $16)
		ON CONFLICT (slug) DO UPDATE SET
			display_name = excluded.display_name, base_url = excluded.base_url,
			auth_type = excluded.auth_type, auth_param_name = excluded.auth_param_name,
			currency_code = excluded.currency_code, price_multiplier = excluded.price_multiplier,
			fixed_markup = excluded.fixed_markup, normalization_mode = excluded.normalization_mode,
			points_rate = excluded.points_rate, manual_rate = excluded.manual_rate,
			active = excluded.active, priority = excluded.priority,
			legacy_metadata = excluded.legacy_metadata
		RETURNING id
	`, uuid.NewString(), cfg.Slug, cfg.DisplayName, cfg.BaseURL, cfg.AuthType, cfg.AuthParamName,
		cfg.CurrencyCode, cfg.PriceMultiplier, cfg.FixedMarkup, cfg.NormalizationMode, cfg.PointsRate,
		cfg.ManualRate, cfg.Active, cfg.Priority, cfg.LegacyMetadata, SyncIdle).Scan(&id)
	return id, err
}

// ReplaceProviderCountries swaps in a fresh country list for one provider
// inside a transaction: the sync pipeline always re-derives the full set from
// a metadata fetch, so a delete-then-insert is simpler than row-level diffing.
func (r *PostgresRepository) ReplaceProviderCountries(ctx context.Context, providerID string, countries []ProviderCountry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_countries WHERE provider_id = $1`, providerID); err != nil {
		return err
	}
	for _, c := range countries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO provider_countries (id, provider_id, external_id, canonical_name, code, flag_url, last_sync_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, c.ID, providerID, c.ExternalID, c.CanonicalName, c.Code, c.FlagURL); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRepository) ReplaceProviderServices(ctx context.Context, providerID string, services []ProviderService) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_services WHERE provider_id = $1`, providerID); err != nil {
		return err
	}
	for _, s := range services {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO provider_services (id, provider_id, external_id, canonical_name, code, icon_url, last_sync_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, s.ID, providerID, s.ExternalID, s.CanonicalName, s.Code, s.IconURL); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertPricing writes a batch of (provider, country, service, operator)
// pricing rows, updating in place on conflict so stock and sellPrice stay
// current without losing the row's identity between sync passes.
func (r *PostgresRepository) UpsertPricing(ctx context.Context, rows []ProviderPricing) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO provider_pricing (id, provider_id, country_code, service_code, operator_id,
				raw_cost, sell_price, stock, deleted, last_sync_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, now())
			ON CONFLICT (provider_id, country_code, service_code, operator_id) DO UPDATE SET
				raw_cost = excluded.raw_cost, sell_price = excluded.sell_price,
				stock = excluded.stock, deleted = false, last_sync_at = now()
		`, p.ID, p.ProviderID, p.CountryCode, p.ServiceCode, p.OperatorID, p.RawCost, p.SellPrice, p.Stock); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkPricingDeleted soft-deletes any pricing row for providerID not present
// in the latest sync pass, so stale offers drop out of search without
// destroying the historical row.
func (r *PostgresRepository) MarkPricingDeleted(ctx context.Context, providerID string, exceptIDs []string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE provider_pricing SET deleted = true
		WHERE provider_id = $1 AND NOT (id = ANY($2)) AND NOT deleted
	`, providerID, pq.Array(exceptIDs))
	return err
}

func (r *PostgresRepository) ListPricingByProvider(ctx context.Context, providerID string) ([]ProviderPricing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider_id, country_code, service_code, operator_id, raw_cost, sell_price, stock, deleted, last_sync_at
		FROM provider_pricing WHERE provider_id = $1 AND NOT deleted
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ProviderPricing
	for rows.Next() {
		p := ProviderPricing{}
		if err := rows.Scan(&p.ID, &p.ProviderID, &p.CountryCode, &p.ServiceCode, &p.OperatorID,
			&p.RawCost, &p.SellPrice, &p.Stock, &p.Deleted, &p.LastSyncAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// FindOffer joins provider_pricing to providers so the purchase flow can
// pick a concrete offer from nothing but (country, service, provider?)
// without a round trip through the search index.
func (r *PostgresRepository) FindOffer(ctx context.Context, countryCode, serviceCode, providerSlug string) (*ProviderPricing, *Provider, error) {
	query := `
		SELECT pp.id, pp.provider_id, pp.country_code, pp.service_code, pp.operator_id,
			pp.raw_cost, pp.sell_price, pp.stock, pp.deleted, pp.last_sync_at,
			p.id, p.slug, p.display_name, p.base_url, p.auth_type, p.auth_param_name,
			p.currency_code, p.price_multiplier, p.fixed_markup, p.normalization_mode,
			p.points_rate, p.manual_rate, p.active, p.priority, p.legacy_metadata,
			p.balance, p.sync_state, coalesce(p.sync_error, '')
		FROM provider_pricing pp
		JOIN providers p ON p.id = pp.provider_id
		WHERE pp.country_code = $1 AND pp.service_code = $2 AND NOT pp.deleted
			AND pp.stock > 0 AND p.active
	`
	args := []interface{}{countryCode, serviceCode}
	if providerSlug != "" {
		args = append(args, providerSlug)
		query += ` AND p.slug = $3`
	}
	query += ` ORDER BY pp.sell_price ASC LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, args...)
	offer := &ProviderPricing{}
	prov := &Provider{}
	err := row.Scan(&offer.ID, &offer.ProviderID, &offer.CountryCode, &offer.ServiceCode, &offer.OperatorID,
		&offer.RawCost, &offer.SellPrice, &offer.Stock, &offer.Deleted, &offer.LastSyncAt,
		&prov.ID, &prov.Slug, &prov.DisplayName, &prov.BaseURL, &prov.AuthType, &prov.AuthParamName,
		&prov.CurrencyCode, &prov.PriceMultiplier, &prov.FixedMarkup, &prov.NormalizationMode,
		&prov.PointsRate, &prov.ManualRate, &prov.Active, &prov.Priority, &prov.LegacyMetadata,
		&prov.Balance, &prov.SyncState, &prov.SyncError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, apperrors.OutOfStock(countryCode, serviceCode)
		}
		return nil, nil, err
	}
	return offer, prov, nil
}

// CreateReservation inserts the hold and decrements provider_pricing.stock
// by the same quantity inside one transaction, so a reservation can never
// be created against stock that doesn't exist.
func (r *PostgresRepository) CreateReservation(ctx context.Context, res *OfferReservation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE provider_pricing SET stock = stock - $1
		WHERE id = $2 AND stock >= $1
	`, res.Quantity, res.OfferID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperrors.OutOfStock(res.OfferID, "")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO offer_reservations (id, offer_id, quantity, state, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, res.ID, res.OfferID, res.Quantity, ReservationPending, res.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ExpireStaleReservations restores stock for every PENDING reservation past
// its expiresAt in one transaction, then flips those rows to EXPIRED.
func (r *PostgresRepository) ExpireStaleReservations(ctx context.Context, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, offer_id, quantity FROM offer_reservations
		WHERE state = $1 AND expires_at < $2
		FOR UPDATE SKIP LOCKED
	`, ReservationPending, now)
	if err != nil {
		return 0, err
	}
	type stale struct {
		id, offerID string
		quantity    int
	}
	var expired []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.offerID, &s.quantity); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, s := range expired {
		if _, err := tx.ExecContext(ctx, `UPDATE provider_pricing SET stock = stock + $1 WHERE id = $2`, s.quantity, s.offerID); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE offer_reservations SET state = $1 WHERE id = $2`, ReservationExpired, s.id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row scanner) (*Provider, error) {
	p := &Provider{}
	err := row.Scan(&p.ID, &p.Slug, &p.DisplayName, &p.BaseURL, &p.AuthType, &p.AuthParamName,
		&p.CurrencyCode, &p.PriceMultiplier, &p.FixedMarkup, &p.NormalizationMode,
		&p.PointsRate, &p.ManualRate, &p.Active, &p.Priority, &p.LegacyMetadata,
		&p.Balance, &p.SyncState, &p.SyncError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

